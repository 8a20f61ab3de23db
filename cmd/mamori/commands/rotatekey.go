package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

// rotateKeyCmd represents the rotate-key command
var rotateKeyCmd = &cobra.Command{
	Use:   "rotate-key",
	Short: "Rotate the evidence encryption key",
	Long: `Force a key rotation on a running engine. New evidence is sealed with
the fresh key version; versions outside the retention window are purged
and their material zeroed.`,
	RunE: runRotateKey,
}

func init() {
	rootCmd.AddCommand(rotateKeyCmd)

	rotateKeyCmd.Flags().String("api-url", "http://localhost:9090", "ops API URL")
}

func runRotateKey(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(apiURL+"/api/v1/vault/rotate", "application/json", nil)
	if err != nil {
		return fmt.Errorf("failed to reach engine at %s: %w", apiURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned status %d", resp.StatusCode)
	}

	var result struct {
		CurrentVersion   uint64   `json:"current_version"`
		PurgedVersions   int      `json:"purged_versions"`
		RetainedVersions []uint64 `json:"retained_versions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	fmt.Printf("Key rotated: now at version %d\n", result.CurrentVersion)
	fmt.Printf("Purged versions: %d\n", result.PurgedVersions)
	fmt.Printf("Retained versions: %v\n", result.RetainedVersions)
	return nil
}

package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long:  `Display engine statistics and open incidents from a running instance.`,
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().String("api-url", "http://localhost:9090", "ops API URL")
	statusCmd.Flags().Bool("json", false, "raw JSON output")
}

type engineStatus struct {
	Stats struct {
		AnomaliesHandled      uint64 `json:"anomalies_handled"`
		IncidentsCreated      uint64 `json:"incidents_created"`
		IncidentsContained    uint64 `json:"incidents_contained"`
		IncidentsResolved     uint64 `json:"incidents_resolved"`
		NotificationsRecorded uint64 `json:"notifications_recorded"`
	} `json:"stats"`
	OpenIncidents         int `json:"open_incidents"`
	AwaitingNotifications int `json:"awaiting_notifications"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	apiURL, _ := cmd.Flags().GetString("api-url")
	rawJSON, _ := cmd.Flags().GetBool("json")

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(apiURL + "/api/v1/status")
	if err != nil {
		return fmt.Errorf("failed to reach engine at %s: %w", apiURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("engine returned status %d", resp.StatusCode)
	}

	var status engineStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("failed to decode status: %w", err)
	}

	if rawJSON {
		out, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	}

	fmt.Println("Mamori Engine Status")
	fmt.Println("====================")
	fmt.Printf("Anomalies handled:       %s\n", humanize.Comma(int64(status.Stats.AnomaliesHandled)))
	fmt.Printf("Incidents created:       %s\n", humanize.Comma(int64(status.Stats.IncidentsCreated)))
	fmt.Printf("Incidents contained:     %s\n", humanize.Comma(int64(status.Stats.IncidentsContained)))
	fmt.Printf("Incidents resolved:      %s\n", humanize.Comma(int64(status.Stats.IncidentsResolved)))
	fmt.Printf("Notifications recorded:  %s\n", humanize.Comma(int64(status.Stats.NotificationsRecorded)))
	fmt.Printf("Open incidents:          %d\n", status.OpenIncidents)
	fmt.Printf("Awaiting notifications:  %d\n", status.AwaitingNotifications)
	return nil
}

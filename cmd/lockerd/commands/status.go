package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var (
	statusGatewayURL string
	statusOutput     string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show kiosk liveness",
	Long: `Display the kiosks known to the gateway and their liveness.

This command queries the gateway /kiosks endpoint and renders a table
with kiosk id, status, last heartbeat age, hardware health, channel
count and software version.

Examples:
  # Query the local gateway
  lockerd status

  # Query a remote gateway
  lockerd status --gateway http://gateway.lan:3000

  # Output as JSON
  lockerd status --output json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusGatewayURL, "gateway", "http://localhost:3000", "Gateway base URL")
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format (table|json)")
}

// kioskStatus mirrors the gateway /kiosks response rows.
type kioskStatus struct {
	KioskID      string     `json:"kiosk_id"`
	Status       string     `json:"status"`
	LastSeen     time.Time  `json:"last_seen"`
	Version      string     `json:"version"`
	Zone         string     `json:"zone"`
	ChannelCount int        `json:"channel_count"`
	HardwareOK   bool       `json:"hardware_ok"`
	LastCommand  *time.Time `json:"last_command_at"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequest(http.MethodGet, statusGatewayURL+"/kiosks", nil)
	if err != nil {
		return err
	}
	if token := os.Getenv("LOCKERD_AUTH_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable at %s: %w", statusGatewayURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}

	var kiosks []kioskStatus
	if err := json.NewDecoder(resp.Body).Decode(&kiosks); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}

	if statusOutput == "json" {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(kiosks)
	}

	if len(kiosks) == 0 {
		fmt.Println("No kiosks have reported yet.")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Kiosk", "Status", "Last Seen", "Hardware", "Channels", "Zone", "Version"})
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, k := range kiosks {
		hardware := "ok"
		if !k.HardwareOK {
			hardware = "FAIL"
		}
		table.Append([]string{
			k.KioskID,
			k.Status,
			formatAge(k.LastSeen),
			hardware,
			strconv.Itoa(k.ChannelCount),
			k.Zone,
			k.Version,
		})
	}
	table.Render()
	return nil
}

// formatAge renders a heartbeat age like "12s ago".
func formatAge(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	age := time.Since(t).Round(time.Second)
	if age < 0 {
		age = 0
	}
	return fmt.Sprintf("%s ago", age)
}

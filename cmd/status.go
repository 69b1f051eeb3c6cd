package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/arbnet/arbnet-go/internal/config"
)

var statusConfigPath string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the running network's status",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusConfigPath, "config", "c", "", "config file (default ~/.arbnet/config.json)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(statusConfigPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	fmt.Println("🕸️  arbnet Status")
	fmt.Println()
	fmt.Printf("Config: %s\n", config.GetConfigPath())
	fmt.Printf("Fleet specs: %s\n", cfg.Fleet.SpecsPath)
	fmt.Printf("Bus: %s\n", cfg.Bus.Backend)
	if cfg.Redis.URL != "" {
		fmt.Printf("Cache: %s\n", cfg.Redis.URL)
	} else {
		fmt.Println("Cache: disabled")
	}

	if !cfg.Observer.Enabled {
		fmt.Println("\nObserver disabled; no live status available.")
		return nil
	}

	url := fmt.Sprintf("http://127.0.0.1:%d/api/status", cfg.Observer.Port)
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if cfg.Observer.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Observer.APIKey)
	}

	client := &http.Client{Timeout: 3 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Println("\nNetwork not running (observer unreachable).")
		return nil
	}
	defer resp.Body.Close()

	var status struct {
		Uptime     int      `json:"uptime"`
		Agents     []string `json:"agents"`
		AgentCount int      `json:"agentCount"`
		Market     struct {
			ActiveBids     int     `json:"activeBids"`
			TotalMatches   int     `json:"totalMatches"`
			TotalTransfers int     `json:"totalTransfers"`
			TotalProfit    float64 `json:"totalProfit"`
		} `json:"market"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	fmt.Printf("\nUptime: %ds\n", status.Uptime)
	fmt.Printf("Agents: %d\n", status.AgentCount)
	for _, id := range status.Agents {
		fmt.Printf("  %s ✓\n", id)
	}
	fmt.Println("\nMarket:")
	fmt.Printf("  Active bids: %d\n", status.Market.ActiveBids)
	fmt.Printf("  Matches: %d\n", status.Market.TotalMatches)
	fmt.Printf("  Transfers: %d\n", status.Market.TotalTransfers)
	fmt.Printf("  Profit: %.2f\n", status.Market.TotalProfit)
	return nil
}

package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/arbnet/arbnet-go/internal/config"
)

var onboardCmd = &cobra.Command{
	Use:   "onboard",
	Short: "Initialize arbnet configuration and sample fleet files",
	RunE:  runOnboard,
}

func init() {
	rootCmd.AddCommand(onboardCmd)
}

const sampleFleet = `agents:
  - product_id: P1
    name: Sample Widgets
    decision_interval_ms: 5000
    low_stock_threshold: 50
    high_stock_threshold: 500
`

const sampleInventory = `{
  "P1": [
    {"storeId": "store-X", "quantity": 600, "cost": 10, "retailPrice": 22},
    {"storeId": "store-Y", "quantity": 20, "cost": 10, "retailPrice": 25}
  ]
}
`

func runOnboard(cmd *cobra.Command, args []string) error {
	configPath := config.GetConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
	} else {
		os.MkdirAll(filepath.Dir(configPath), 0755)
		if err := config.Save(config.DefaultConfig(), ""); err != nil {
			return fmt.Errorf("creating config: %w", err)
		}
		fmt.Printf("✓ Created config at %s\n", configPath)
	}

	// Sample fleet and inventory next to the config, created only if
	// absent so re-running onboard never clobbers real files.
	templates := map[string]string{
		"fleet.yaml":     sampleFleet,
		"inventory.json": sampleInventory,
	}
	dir := filepath.Dir(configPath)
	for filename, content := range templates {
		path := filepath.Join(dir, filename)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			if err := os.WriteFile(path, []byte(content), 0644); err != nil {
				return fmt.Errorf("writing %s: %w", filename, err)
			}
			fmt.Printf("✓ Created %s\n", path)
		}
	}

	fmt.Println("\nNext: arbnet run --fleet", filepath.Join(dir, "fleet.yaml"),
		"--inventory", filepath.Join(dir, "inventory.json"))
	return nil
}

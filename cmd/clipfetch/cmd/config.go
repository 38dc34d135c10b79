package cmd

import (
	"fmt"
	"os"
	goruntime "runtime"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/psantana5/clip-prefetch/pkg/auth"
	"github.com/psantana5/clip-prefetch/pkg/sysinfo"
	apitls "github.com/psantana5/clip-prefetch/pkg/tls"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the effective configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Prints the configuration after merging defaults, the config file and
CLIPFETCH_* environment variables.`,
	Args: cobra.NoArgs,
	RunE: runConfigShow,
}

var configHardwareCmd = &cobra.Command{
	Use:   "hardware",
	Short: "Show the hardware the defaults are derived from",
	Args:  cobra.NoArgs,
	RunE:  runConfigHardware,
}

var configGenKeyCmd = &cobra.Command{
	Use:   "gen-key",
	Short: "Generate an API key for http.api_keys",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GenerateKey()
		if err != nil {
			return err
		}
		fmt.Println(key)
		return nil
	},
}

var (
	certFile     string
	keyFile      string
	certHosts    []string
	certValidFor time.Duration
)

var configGenCertCmd = &cobra.Command{
	Use:   "gen-cert",
	Short: "Generate a self-signed certificate for the control API",
	Long: `Writes a self-signed certificate and key for development. Point http.tls_cert
and http.tls_key at them, and client.tls_ca at the certificate.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		host, _ := os.Hostname()
		if err := apitls.GenerateSelfSigned(certFile, keyFile, host, certValidFor, certHosts...); err != nil {
			return err
		}
		fmt.Printf("Wrote %s and %s\n", certFile, keyFile)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd, configHardwareCmd, configGenKeyCmd, configGenCertCmd)

	configGenCertCmd.Flags().StringVar(&certFile, "cert", "clipfetch.crt", "certificate output file")
	configGenCertCmd.Flags().StringVar(&keyFile, "key", "clipfetch.key", "private key output file")
	configGenCertCmd.Flags().StringSliceVar(&certHosts, "host", nil, "extra host names or IPs the certificate is valid for")
	configGenCertCmd.Flags().DurationVar(&certValidFor, "valid-for", 365*24*time.Hour, "certificate lifetime")
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	if IsJSONOutput() {
		return printJSON(cfg)
	}
	if file := viper.ConfigFileUsed(); file != "" {
		fmt.Printf("# loaded from %s\n", file)
	}
	encoder := yaml.NewEncoder(os.Stdout)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(cfg)
}

type hardwareInfo struct {
	CPUThreads      int    `json:"cpu_threads" yaml:"cpu_threads"`
	TotalMemory     uint64 `json:"total_memory" yaml:"total_memory"`
	AvailableMemory uint64 `json:"available_memory" yaml:"available_memory"`
	CacheBudget     int64  `json:"default_cache_bytes" yaml:"default_cache_bytes"`
	OS              string `json:"os" yaml:"os"`
	Architecture    string `json:"architecture" yaml:"architecture"`
}

func runConfigHardware(cmd *cobra.Command, args []string) error {
	hw := hardwareInfo{
		CPUThreads:      sysinfo.CPUThreads(),
		TotalMemory:     sysinfo.TotalMemory(),
		AvailableMemory: sysinfo.AvailableMemory(),
		CacheBudget:     sysinfo.DefaultCacheBytes(),
		OS:              goruntime.GOOS,
		Architecture:    goruntime.GOARCH,
	}
	if IsJSONOutput() {
		return printJSON(hw)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append("CPU threads", fmt.Sprintf("%d", hw.CPUThreads))
	table.Append("Total RAM", formatBytes(hw.TotalMemory))
	table.Append("Available RAM", formatBytes(hw.AvailableMemory))
	table.Append("Default cache", formatBytes(uint64(hw.CacheBudget)))
	table.Append("Platform", hw.OS+"/"+hw.Architecture)
	table.Render()
	return nil
}

func formatBytes(n uint64) string {
	const gib = 1 << 30
	if n >= gib {
		return fmt.Sprintf("%.2f GB", float64(n)/gib)
	}
	return fmt.Sprintf("%d MB", n>>20)
}

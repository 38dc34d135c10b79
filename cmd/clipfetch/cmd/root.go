package cmd

import (
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/psantana5/clip-prefetch/pkg/client"
	"github.com/psantana5/clip-prefetch/pkg/config"
	"github.com/psantana5/clip-prefetch/pkg/logging"
	apitls "github.com/psantana5/clip-prefetch/pkg/tls"
)

// Version is set at build time
var Version = "dev"

var (
	cfgFile      string
	apiURL       string
	outputFormat string

	cfg    *config.Config
	logger *logging.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "clipfetch",
	Short: "Background frame prefetcher for clip playback",
	Long: `clipfetch fills a frame cache around the current playback frame of a movie
or image-sequence clip, so scrubbing and playback read decoded frames from memory.`,
	SilenceUsage:      true,
	PersistentPreRunE: initConfig,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.Version = Version

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.clipfetch/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "", "clipfetch API URL for remote commands (default http://localhost:8090)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().String("api-key", "", "API key for remote commands (or CLIPFETCH_CLIENT_API_KEY)")
	rootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().Int("workers", 0, "sequence worker threads (default: hardware threads)")

	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("client.api_key", rootCmd.PersistentFlags().Lookup("api-key"))
}

// initConfig reads in config file and ENV variables if set
func initConfig(cmd *cobra.Command, args []string) error {
	loaded, err := config.Load(viper.GetViper(), cfgFile)
	if err != nil {
		return err
	}
	cfg = loaded
	logger = cfg.Logger()
	logger.SetOutput(os.Stderr)

	if apiURL == "" {
		apiURL = cfg.Client.APIURL
	}
	if apiURL == "" {
		scheme := "http"
		if cfg.ServerTLS().Enabled() {
			scheme = "https"
		}
		apiURL = scheme + "://localhost" + listenPort(cfg.HTTP.Addr)
	}
	return nil
}

func listenPort(addr string) string {
	if i := strings.LastIndex(addr, ":"); i >= 0 {
		return addr[i:]
	}
	return ":8090"
}

// GetAPIURL returns the configured API URL with trailing slashes removed
func GetAPIURL() string {
	return strings.TrimRight(apiURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// newClient returns an API client configured from flags and config
func newClient() (*client.Client, error) {
	opts := []client.Option{}
	if cfg != nil {
		if cfg.Client.APIKey != "" {
			opts = append(opts, client.WithAPIKey(cfg.Client.APIKey))
		}
		files := cfg.ClientTLS()
		if files.CA != "" || files.Enabled() {
			tlsCfg, err := apitls.ClientConfig(files)
			if err != nil {
				return nil, err
			}
			opts = append(opts, client.WithHTTPClient(&http.Client{
				Timeout:   10 * time.Second,
				Transport: &http.Transport{TLSClientConfig: tlsCfg},
			}))
		}
	}
	return client.New(GetAPIURL(), opts...), nil
}

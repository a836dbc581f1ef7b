// Command ecdh-mpsi runs ECDH multi-party private set intersection, either as
// an in-process simulation or as a single networked party.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"ecdh_mpsi/ecc"
	"ecdh_mpsi/psi"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "ecdh-mpsi",
	Short:         "ECDH multi-party private set intersection",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")
	flags.String("data-dir", "data", "directory holding the party datasets")
	flags.String("result-dir", "results", "directory for logs, results and benchmarks")
	flags.String("curve", "P256", "curve: P256, P384 or P521")
	flags.Int("batch-size", psi.DefaultDataBatchSize, "records per batch")
	flags.Int("threads", 0, "protocol worker goroutines (0 = NumCPU)")
	flags.Bool("debug", false, "debug logging")
	flags.Int("n", 3, "number of parties")
	flags.Int("x0", 1000, "records held by the calculator")
	flags.Int("xi", 1000, "records held by every other party")
	flags.Int("i", 100, "intersection size")
	flags.Int64("seed", 1, "dataset seed")

	for key, flag := range map[string]string{
		"data_dir":   "data-dir",
		"result_dir": "result-dir",
		"curve":      "curve",
		"batch_size": "batch-size",
		"threads":    "threads",
		"debug":      "debug",
		"n":          "n",
		"x0":         "x0",
		"xi":         "xi",
		"i":          "i",
		"seed":       "seed",
	} {
		_ = viper.BindPFlag(key, flags.Lookup(flag))
	}

	viper.SetDefault("ping_period", psi.DefaultPingPeriod)
	viper.SetDefault("ping_timeout", psi.DefaultPingTimeout)
	viper.SetDefault("pop_wait", psi.DefaultPopWait)
	viper.SetDefault("park_ttl", psi.DefaultParkTTL)
	viper.SetDefault("send_timeout", psi.DefaultSendTimeout)

	rootCmd.AddCommand(newSimulateCmd(), newNodeCmd(), newGenCmd())
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("MPSI")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || cfgFile != "" {
			return err
		}
	}
	return nil
}

// baseConfig builds the protocol settings shared by all commands.
func baseConfig(party string) (psi.Config, error) {
	suite, err := ecc.SuiteByCurve(viper.GetString("curve"))
	if err != nil {
		return psi.Config{}, err
	}
	return psi.Config{
		SelfParty:          party,
		Crypto:             suite,
		Hasher:             suite,
		DataBatchSize:      viper.GetInt("batch_size"),
		ThreadPoolSize:     viper.GetInt("threads"),
		Parallelism:        viper.GetInt("parallelism"),
		PopWait:            viper.GetDuration("pop_wait"),
		PingPeriod:         viper.GetDuration("ping_period"),
		PingTimeout:        viper.GetDuration("ping_timeout"),
		ParkTTL:            viper.GetDuration("park_ttl"),
		EnableOutputExists: viper.GetBool("output_exists"),
		NotifyPeerOnError:  viper.GetBool("notify_peer_on_error"),
	}, nil
}

func main() {
	color.Set(color.FgBlue, color.Bold, color.Underline)
	fmt.Println("ECDH Multiparty Private Set Intersection")
	fmt.Println("")
	color.Unset()

	start := time.Now()
	if err := rootCmd.Execute(); err != nil {
		color.Set(color.FgRed, color.Bold)
		fmt.Fprintf(os.Stderr, "ecdh-mpsi: %v\n", err)
		color.Unset()
		os.Exit(1)
	}
	color.Set(color.FgBlue)
	fmt.Printf("\nDone in %s\n", time.Since(start))
	color.Unset()
}

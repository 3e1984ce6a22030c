package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "flashpipe",
	Short: "Flashpipe - OS image flashing for removable media",
	Long:  `Downloads, verifies, decompresses, and flashes OS images onto removable block devices with read-back verification.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("cache-dir", ".artifacts/cache", "Image cache directory")
	rootCmd.PersistentFlags().Bool("cache-enabled", true, "Enable the image cache")
	rootCmd.PersistentFlags().Int64("max-cache-size", 10*1024*1024*1024, "Cache size ceiling in bytes")
	rootCmd.PersistentFlags().String("work-dir", "/tmp/flashpipe", "Working directory for downloads and staging")
	rootCmd.PersistentFlags().String("fsm-db-path", ".artifacts/fsm.db", "FSM BoltDB path")
	rootCmd.PersistentFlags().Int64("max-image-size", 64*1024*1024*1024, "Max image size in bytes")
	rootCmd.PersistentFlags().String("verify-mode", "full", "Write verification mode (full or checksum)")
	rootCmd.PersistentFlags().String("s3-region", "us-east-1", "S3 region for s3:// sources")

	viper.BindPFlag("cache-dir", rootCmd.PersistentFlags().Lookup("cache-dir"))
	viper.BindPFlag("cache-enabled", rootCmd.PersistentFlags().Lookup("cache-enabled"))
	viper.BindPFlag("max-cache-size", rootCmd.PersistentFlags().Lookup("max-cache-size"))
	viper.BindPFlag("work-dir", rootCmd.PersistentFlags().Lookup("work-dir"))
	viper.BindPFlag("fsm-db-path", rootCmd.PersistentFlags().Lookup("fsm-db-path"))
	viper.BindPFlag("max-image-size", rootCmd.PersistentFlags().Lookup("max-image-size"))
	viper.BindPFlag("verify-mode", rootCmd.PersistentFlags().Lookup("verify-mode"))
	viper.BindPFlag("s3-region", rootCmd.PersistentFlags().Lookup("s3-region"))
}

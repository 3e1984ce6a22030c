package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flashpipe/flashpipe/internal/config"
	"github.com/flashpipe/flashpipe/pkg/cache"
	"github.com/flashpipe/flashpipe/pkg/errors"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Manage the local image cache",
}

var cacheSizeCmd = &cobra.Command{
	Use:   "size",
	Short: "Show total cache size",
	RunE:  runCacheSize,
}

var cacheClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove all cached images",
	RunE:  runCacheClear,
}

var cacheEvictCmd = &cobra.Command{
	Use:   "evict",
	Short: "Trim the cache to the configured ceiling, oldest first",
	RunE:  runCacheEvict,
}

func init() {
	rootCmd.AddCommand(cacheCmd)
	cacheCmd.AddCommand(cacheSizeCmd)
	cacheCmd.AddCommand(cacheClearCmd)
	cacheCmd.AddCommand(cacheEvictCmd)
}

func openCache() (*cache.Cache, *config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, errors.Wrap(err, "config load failed")
	}
	if err := ensureDirectories(cfg.CacheDir, "", ""); err != nil {
		return nil, nil, err
	}
	store, err := cache.New(cfg.CacheDir)
	if err != nil {
		return nil, nil, errors.Wrap(err, "cache init failed")
	}
	return store, cfg, nil
}

func runCacheSize(cmd *cobra.Command, args []string) error {
	store, cfg, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	size, err := store.TotalSize()
	if err != nil {
		return errors.Wrap(err, "cache size failed")
	}

	fmt.Printf("Cache: %s used of %s ceiling (%s)\n",
		formatSize(uint64(size)), formatSize(uint64(cfg.MaxCacheSize)), cfg.CacheDir)
	return nil
}

func runCacheClear(cmd *cobra.Command, args []string) error {
	store, _, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.Clear(); err != nil {
		return errors.Wrap(err, "cache clear failed")
	}

	fmt.Println("Cache cleared")
	return nil
}

func runCacheEvict(cmd *cobra.Command, args []string) error {
	store, cfg, err := openCache()
	if err != nil {
		return err
	}
	defer store.Close()

	if err := store.EvictUntilUnder(cfg.MaxCacheSize); err != nil {
		return errors.Wrap(err, "cache evict failed")
	}

	size, err := store.TotalSize()
	if err != nil {
		return errors.Wrap(err, "cache size failed")
	}
	fmt.Printf("Cache trimmed to %s\n", formatSize(uint64(size)))
	return nil
}

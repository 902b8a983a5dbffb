// Command fhirstore-tool is a thin local smoke-testing CLI for the
// persistence core. It is not part of the core's API surface; the
// HTTP/API layer is explicitly out of scope for this module.
package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/fhirstore/core/bundle"
	"github.com/fhirstore/core/dataservice"
	"github.com/fhirstore/core/internal/kvstore"
	"github.com/fhirstore/core/internal/versionstore"
	"github.com/fhirstore/core/pkg/config"
	"github.com/fhirstore/core/pkg/events"
	"github.com/fhirstore/core/pkg/log"
	"github.com/fhirstore/core/pkg/model"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "fhirstore-tool",
	Short: "Local smoke-testing CLI for the fhirstore persistence core",
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", "./fhirstore-data", "Data directory for the embedded store")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(createCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(updateCmd)
	rootCmd.AddCommand(deleteCmd)
}

func initLogging() {
	level, _ := rootCmd.PersistentFlags().GetString("log-level")
	log.Init(log.Config{Level: log.Level(level), JSONOutput: false})
}

// openServices wires a Data Service (and the Bundle Service it
// delegates to) over a bbolt database at dataDir, matching the
// dependency graph internal/kvstore -> internal/versionstore ->
// bundle -> dataservice.
func openServices(dataDir string) (*dataservice.Service, *kvstore.Store, error) {
	broker := events.NewBroker()
	broker.Start()

	kv, err := kvstore.Open(dataDir, broker)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}

	cfg := config.Load()
	vs := versionstore.New(kv)
	bundleSvc := bundle.New(kv, vs, cfg.LockDurationMs, nil)
	ds := dataservice.New(vs, bundleSvc, cfg)
	return ds, kv, nil
}

var createCmd = &cobra.Command{
	Use:   "create RESOURCE_TYPE JSON_FILE",
	Short: "Create a new resource from a JSON file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		tenantID, _ := cmd.Flags().GetString("tenant")

		resource, err := readResourceFile(args[1])
		if err != nil {
			return err
		}

		ds, kv, err := openServices(dataDir)
		if err != nil {
			return err
		}
		defer kv.Close()

		created, err := ds.CreateResource(resource, args[0], tenantID)
		if err != nil {
			return fmt.Errorf("create resource: %w", err)
		}

		fmt.Printf("✓ Created %s/%v\n", args[0], created["id"])
		return printResource(created)
	},
}

var readCmd = &cobra.Command{
	Use:   "read RESOURCE_TYPE ID",
	Short: "Read the current version of a resource",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		tenantID, _ := cmd.Flags().GetString("tenant")

		ds, kv, err := openServices(dataDir)
		if err != nil {
			return err
		}
		defer kv.Close()

		resource, err := ds.ReadMostRecent(args[0], args[1], tenantID)
		if err != nil {
			return fmt.Errorf("read resource: %w", err)
		}
		return printResource(resource)
	},
}

var updateCmd = &cobra.Command{
	Use:   "update RESOURCE_TYPE ID JSON_FILE",
	Short: "Update an existing resource",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		tenantID, _ := cmd.Flags().GetString("tenant")

		resource, err := readResourceFile(args[2])
		if err != nil {
			return err
		}

		ds, kv, err := openServices(dataDir)
		if err != nil {
			return err
		}
		defer kv.Close()

		updated, err := ds.UpdateResource(resource, args[0], args[1], tenantID)
		if err != nil {
			return fmt.Errorf("update resource: %w", err)
		}

		fmt.Printf("✓ Updated %s/%s\n", args[0], args[1])
		return printResource(updated)
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete RESOURCE_TYPE ID",
	Short: "Delete a resource",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		tenantID, _ := cmd.Flags().GetString("tenant")

		ds, kv, err := openServices(dataDir)
		if err != nil {
			return err
		}
		defer kv.Close()

		msg, err := ds.DeleteResource(args[0], args[1], tenantID)
		if err != nil {
			return fmt.Errorf("delete resource: %w", err)
		}

		fmt.Printf("✓ %s\n", msg)
		return nil
	},
}

func init() {
	for _, cmd := range []*cobra.Command{createCmd, readCmd, updateCmd, deleteCmd} {
		cmd.Flags().String("tenant", "", "Tenant id (multi-tenant mode only)")
	}
}

func readResourceFile(path string) (model.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var resource model.Resource
	if err := json.Unmarshal(data, &resource); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return resource, nil
}

func printResource(resource model.Resource) error {
	out, err := json.MarshalIndent(resource, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal resource: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

package main

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/spindle/pkg/storage"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the registry a master persisted",
}

var registryInspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the persisted registry as YAML",
	Long: `Print the applications, workers and drivers a FILESYSTEM or RAFT
master would recover from its data directory. The master must be stopped.

Examples:
  spindle registry inspect --data-dir /var/lib/spindle
  spindle registry inspect --data-dir /var/lib/spindle --backup /tmp/master.db`,
	RunE: runRegistryInspect,
}

func init() {
	addRegistryInspectFlags(registryInspectCmd)
	registryCmd.AddCommand(registryInspectCmd)
}

func addRegistryInspectFlags(cmd *cobra.Command) {
	cmd.Flags().String("data-dir", "./spindle-data", "Master data directory")
	cmd.Flags().String("backup", "", "Copy the database here before reading it")
}

// RegistryDump is the printed form of a persisted registry
type RegistryDump struct {
	Applications []AppEntry    `yaml:"applications"`
	Workers      []WorkerEntry `yaml:"workers"`
	Drivers      []DriverEntry `yaml:"drivers"`
}

type AppEntry struct {
	ID     string `yaml:"id"`
	Name   string `yaml:"name"`
	Driver string `yaml:"driver"`
}

type WorkerEntry struct {
	ID       string `yaml:"id"`
	HostPort string `yaml:"hostPort"`
	Cores    int    `yaml:"cores"`
	MemoryMB int    `yaml:"memoryMB"`
}

type DriverEntry struct {
	ID        string `yaml:"id"`
	Supervise bool   `yaml:"supervise"`
}

func runRegistryInspect(cmd *cobra.Command, args []string) error {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	backup, _ := cmd.Flags().GetString("backup")

	dbPath := filepath.Join(dataDir, "spindle-master.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return fmt.Errorf("no registry found at %s", dbPath)
	}
	if backup != "" {
		if err := copyFile(dbPath, backup); err != nil {
			return fmt.Errorf("failed to create backup: %w", err)
		}
	}

	engine, err := storage.NewBoltEngine(dataDir)
	if err != nil {
		return err
	}
	defer engine.Close()

	data, err := engine.ReadPersistedData()
	if err != nil {
		return fmt.Errorf("failed to read registry: %w", err)
	}
	return yaml.NewEncoder(cmd.OutOrStdout()).Encode(dumpRegistry(data))
}

func dumpRegistry(data *storage.PersistedData) RegistryDump {
	var dump RegistryDump
	for _, app := range data.Apps {
		entry := AppEntry{ID: app.ID, Name: app.Desc.Name}
		if app.Driver != nil {
			entry.Driver = app.Driver.String()
		}
		dump.Applications = append(dump.Applications, entry)
	}
	for _, w := range data.Workers {
		dump.Workers = append(dump.Workers, WorkerEntry{ID: w.ID, HostPort: net.JoinHostPort(w.Host, strconv.Itoa(w.Port)), Cores: w.Cores, MemoryMB: w.MemoryMB})
	}
	for _, d := range data.Drivers {
		dump.Drivers = append(dump.Drivers, DriverEntry{ID: d.ID, Supervise: d.Desc.Supervise})
	}
	sort.Slice(dump.Applications, func(i, j int) bool { return dump.Applications[i].ID < dump.Applications[j].ID })
	sort.Slice(dump.Workers, func(i, j int) bool { return dump.Workers[i].ID < dump.Workers[j].ID })
	sort.Slice(dump.Drivers, func(i, j int) bool { return dump.Drivers[i].ID < dump.Drivers[j].ID })
	return dump
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/vizlab/slotbox/internal/slot"
	"github.com/vizlab/slotbox/internal/slot/sandbox"
	"github.com/vizlab/slotbox/pkg/client"
)

// manifest is the on-disk slot definition format. Code can be given inline
// or referenced through CodeFile, resolved relative to the manifest.
type manifest struct {
	Name         string      `yaml:"name" json:"name"`
	Description  string      `yaml:"description" json:"description"`
	Code         string      `yaml:"code" json:"code"`
	CodeFile     string      `yaml:"codeFile" json:"codeFile"`
	TimeoutMs    int         `yaml:"timeoutMs" json:"timeoutMs"`
	OutputSchema interface{} `yaml:"outputSchema" json:"outputSchema"`
}

// loadManifest reads a slot manifest and resolves its code.
func loadManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m manifest
	if filepath.Ext(path) == ".json" {
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest JSON: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("failed to parse manifest YAML: %w", err)
		}
	}

	if m.Code == "" && m.CodeFile != "" {
		codePath := m.CodeFile
		if !filepath.IsAbs(codePath) {
			codePath = filepath.Join(filepath.Dir(path), codePath)
		}
		code, err := os.ReadFile(codePath)
		if err != nil {
			return nil, fmt.Errorf("failed to read code file: %w", err)
		}
		m.Code = string(code)
	}
	if m.Code == "" {
		return nil, fmt.Errorf("manifest has neither code nor codeFile")
	}

	return &m, nil
}

// decodeSchema converts the manifest's generic outputSchema into dst, which
// follows the JSON field names of the API.
func (m *manifest) decodeSchema(dst interface{}) error {
	if m.OutputSchema == nil {
		return nil
	}
	raw, err := json.Marshal(m.OutputSchema)
	if err != nil {
		return fmt.Errorf("invalid outputSchema: %w", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("invalid outputSchema: %w", err)
	}
	return nil
}

// readDocument loads a JSON or YAML value by file extension.
func readDocument(path string) (interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc interface{}
	if filepath.Ext(path) == ".json" {
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	return doc, nil
}

// getClient creates an API client from the global flags.
func getClient(cmd *cobra.Command) *client.Client {
	server, _ := cmd.Flags().GetString("server")
	token, _ := cmd.Flags().GetString("token")

	return client.NewClient(client.Config{
		BaseURL: server,
		Token:   token,
		Timeout: 2 * time.Minute,
	})
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <slot.yaml|slot.js>",
		Short: "Validate slot code without running it",
		Long:  `Validate a slot manifest or a bare JavaScript file against the static code rules.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runValidate,
	}
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := args[0]

	var report slot.ValidationReport
	if filepath.Ext(path) == ".js" {
		code, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read code file: %w", err)
		}
		report = slot.Validate(string(code))
	} else {
		m, err := loadManifest(path)
		if err != nil {
			return err
		}
		if m.Name != "" {
			report = slot.ValidateDefinition(m.Name, m.Code)
		} else {
			report = slot.Validate(m.Code)
		}
	}

	if report.OK {
		fmt.Println("Slot code is valid")
		return nil
	}

	fmt.Println("Slot validation failed:")
	for _, v := range report.Violations {
		fmt.Printf("  %s: %s\n", v.RuleID, v.Message)
	}
	os.Exit(1)

	return nil
}

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <slot.yaml>",
		Short: "Run a slot",
		Long:  `Run a slot manifest on the server, or in-process with --local.`,
		Args:  cobra.ExactArgs(1),
		RunE:  runRun,
	}

	cmd.Flags().StringP("input", "i", "", "Path to the input document (JSON or YAML)")
	cmd.Flags().StringP("params", "p", "", "Path to the params document (JSON or YAML)")
	cmd.Flags().Bool("local", false, "Run in-process instead of calling the server")
	cmd.Flags().Int("timeout-ms", 0, "Override the manifest timeout")

	return cmd
}

func runRun(cmd *cobra.Command, args []string) error {
	m, err := loadManifest(args[0])
	if err != nil {
		return err
	}

	var input, params interface{}
	if path, _ := cmd.Flags().GetString("input"); path != "" {
		if input, err = readDocument(path); err != nil {
			return err
		}
	}
	if path, _ := cmd.Flags().GetString("params"); path != "" {
		if params, err = readDocument(path); err != nil {
			return err
		}
	}

	timeoutMs := m.TimeoutMs
	if override, _ := cmd.Flags().GetInt("timeout-ms"); override > 0 {
		timeoutMs = override
	}

	if local, _ := cmd.Flags().GetBool("local"); local {
		return runLocal(m, input, params, timeoutMs)
	}

	var schema *client.Schema
	if err := m.decodeSchema(&schema); err != nil {
		return err
	}

	c := getClient(cmd)
	result, err := c.RunSlot(cmd.Context(), client.RunRequest{
		SlotID:       m.Name,
		Code:         m.Code,
		Input:        input,
		Params:       params,
		OutputSchema: schema,
		TimeoutMs:    timeoutMs,
	})
	if err != nil {
		return fmt.Errorf("failed to run slot: %w", err)
	}

	return printOutcome(result, result.OK)
}

// runLocal executes the slot with an in-process goroutine host. No server,
// no auth, same pipeline.
func runLocal(m *manifest, input, params interface{}, timeoutMs int) error {
	var schema *slot.Schema
	if err := m.decodeSchema(&schema); err != nil {
		return err
	}

	logger := zerolog.New(os.Stderr).Level(zerolog.WarnLevel).With().Timestamp().Logger()
	cfg := sandbox.DefaultConfig()
	cfg.Mode = sandbox.ModeGoroutine
	dispatcher := sandbox.NewDispatcher(cfg, logger)
	defer dispatcher.Close()

	result := dispatcher.RunSlot(context.Background(), slot.Request{
		SlotID:       m.Name,
		Code:         m.Code,
		Input:        input,
		Params:       params,
		OutputSchema: schema,
		TimeoutMs:    timeoutMs,
	})

	return printOutcome(result, result.OK)
}

// printOutcome renders the result envelope. A slot failure prints the
// envelope and exits nonzero so scripts can branch on it.
func printOutcome(result interface{}, ok bool) error {
	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if !ok {
		os.Exit(1)
	}
	return nil
}

func newSlotsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "slots",
		Short: "Manage registered slots",
	}

	cmd.AddCommand(newSlotsRegisterCmd())
	cmd.AddCommand(newSlotsListCmd())
	cmd.AddCommand(newSlotsGetCmd())
	cmd.AddCommand(newSlotsDeleteCmd())

	return cmd
}

func newSlotsRegisterCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "register <slot.yaml>",
		Short: "Register a slot definition with the server",
		Args:  cobra.ExactArgs(1),
		RunE:  runSlotsRegister,
	}
}

func runSlotsRegister(cmd *cobra.Command, args []string) error {
	m, err := loadManifest(args[0])
	if err != nil {
		return err
	}
	if m.Name == "" {
		return fmt.Errorf("manifest has no name")
	}

	var schema *client.Schema
	if err := m.decodeSchema(&schema); err != nil {
		return err
	}

	c := getClient(cmd)
	created, err := c.CreateSlot(cmd.Context(), client.SlotDefinition{
		Name:         m.Name,
		Description:  m.Description,
		Code:         m.Code,
		OutputSchema: schema,
		TimeoutMs:    m.TimeoutMs,
	})
	if err != nil {
		return fmt.Errorf("failed to register slot: %w", err)
	}

	fmt.Printf("Slot registered successfully\n")
	fmt.Printf("ID: %s\n", created.ID)
	fmt.Printf("Name: %s\n", created.Name)

	return nil
}

func newSlotsListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered slots",
		RunE:  runSlotsList,
	}

	cmd.Flags().StringP("name", "n", "", "Filter by exact name")
	cmd.Flags().Int("limit", 0, "Maximum number of slots to return")
	cmd.Flags().Int("offset", 0, "Number of slots to skip")

	return cmd
}

func runSlotsList(cmd *cobra.Command, args []string) error {
	name, _ := cmd.Flags().GetString("name")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	c := getClient(cmd)
	defs, err := c.ListSlots(cmd.Context(), client.ListFilter{
		Name:   name,
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		return fmt.Errorf("failed to list slots: %w", err)
	}

	if len(defs) == 0 {
		fmt.Println("No slots found")
		return nil
	}

	fmt.Printf("%-36s  %-24s  %-10s  %s\n", "ID", "NAME", "TIMEOUT", "CREATED")
	for _, d := range defs {
		timeout := "default"
		if d.TimeoutMs > 0 {
			timeout = fmt.Sprintf("%dms", d.TimeoutMs)
		}
		fmt.Printf("%-36s  %-24s  %-10s  %s\n",
			d.ID, d.Name, timeout, d.CreatedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}

func newSlotsGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <slot-id>",
		Short: "Show a registered slot",
		Args:  cobra.ExactArgs(1),
		RunE:  runSlotsGet,
	}
}

func runSlotsGet(cmd *cobra.Command, args []string) error {
	c := getClient(cmd)
	def, err := c.GetSlot(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("failed to get slot: %w", err)
	}

	out, _ := json.MarshalIndent(def, "", "  ")
	fmt.Println(string(out))

	return nil
}

func newSlotsDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <slot-id>",
		Short: "Delete a registered slot",
		Args:  cobra.ExactArgs(1),
		RunE:  runSlotsDelete,
	}
}

func runSlotsDelete(cmd *cobra.Command, args []string) error {
	c := getClient(cmd)
	if err := c.DeleteSlot(cmd.Context(), args[0]); err != nil {
		return fmt.Errorf("failed to delete slot: %w", err)
	}

	fmt.Printf("Slot %s deleted\n", args[0])
	return nil
}

func newEventsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "events",
		Short: "Stream execution events from the server",
		Long:  `Stream execution lifecycle events as JSON lines until interrupted.`,
		RunE:  runEvents,
	}
}

func runEvents(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
	defer stop()

	c := getClient(cmd)
	events, err := c.StreamEvents(ctx)
	if err != nil {
		return fmt.Errorf("failed to open event stream: %w", err)
	}

	for ev := range events {
		out, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Println(string(out))
	}

	return nil
}

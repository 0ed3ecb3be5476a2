package main

import (
	"context"
	"fmt"
	"strings"

	"agentfleet/internal/orchestrator"
	"agentfleet/internal/policy"

	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/layers"
	"github.com/go-go-golems/glazed/pkg/cmds/parameters"
)

const fleetLayerSlug = "fleet"

type fleetSettings struct {
	DBPath        string `glazed.parameter:"db"`
	PolicyPath    string `glazed.parameter:"policy"`
	WorkspaceRoot string `glazed.parameter:"workspace-root"`
}

func newFleetLayer() (layers.ParameterLayer, error) {
	layer, err := layers.NewParameterLayer(fleetLayerSlug, "Fleet selector")
	if err != nil {
		return nil, err
	}
	layer.AddFlags(
		parameters.NewParameterDefinition(
			"db",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to SQLite DB"),
			parameters.WithDefault(".agentfleet/agentfleet.db"),
		),
		parameters.NewParameterDefinition(
			"policy",
			parameters.ParameterTypeString,
			parameters.WithHelp("Path to policy file (defaults to .agentfleet/policy.json)"),
			parameters.WithDefault(""),
		),
		parameters.NewParameterDefinition(
			"workspace-root",
			parameters.ParameterTypeString,
			parameters.WithHelp("Directory for worker workspaces"),
			parameters.WithDefault(""),
		),
	)
	return layer, nil
}

func newFleetCommandDescription(name string, short string, long string, flags ...*parameters.ParameterDefinition) (*cmds.CommandDescription, error) {
	fleetLayer, err := newFleetLayer()
	if err != nil {
		return nil, err
	}
	options := []cmds.CommandDescriptionOption{
		cmds.WithShort(short),
		cmds.WithLayersList(fleetLayer),
	}
	if strings.TrimSpace(long) != "" {
		options = append(options, cmds.WithLong(long))
	}
	if len(flags) > 0 {
		options = append(options, cmds.WithFlags(flags...))
	}
	return cmds.NewCommandDescription(name, options...), nil
}

func initializeFleetSettings(parsedLayers *layers.ParsedLayers) (*fleetSettings, error) {
	settings := &fleetSettings{}
	if err := parsedLayers.InitializeStruct(fleetLayerSlug, settings); err != nil {
		return nil, err
	}
	return settings, nil
}

type provisionGlazedCommand struct {
	*cmds.CommandDescription
}

type provisionSettings struct {
	Repo     string `glazed.parameter:"repo"`
	Task     string `glazed.parameter:"task"`
	Replicas int    `glazed.parameter:"replicas"`
	Criteria string `glazed.parameter:"criteria"`
}

func newProvisionGlazedCommand() (*provisionGlazedCommand, error) {
	desc, err := newFleetCommandDescription(
		"provision",
		"Provision workers for a repository and task",
		"Clone the repository for each replica, create a working branch, start the agent session, and persist the worker record.",
		parameters.NewParameterDefinition(
			"repo",
			parameters.ParameterTypeString,
			parameters.WithHelp("Repository URL to clone"),
			parameters.WithRequired(true),
		),
		parameters.NewParameterDefinition(
			"task",
			parameters.ParameterTypeString,
			parameters.WithHelp("Task text the workers should accomplish"),
			parameters.WithRequired(true),
		),
		parameters.NewParameterDefinition(
			"replicas",
			parameters.ParameterTypeInteger,
			parameters.WithHelp("Number of worker replicas"),
			parameters.WithDefault(1),
		),
		parameters.NewParameterDefinition(
			"criteria",
			parameters.ParameterTypeString,
			parameters.WithHelp("Acceptance criteria gating the finish action"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &provisionGlazedCommand{CommandDescription: desc}, nil
}

func (c *provisionGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	fleet, err := initializeFleetSettings(parsedLayers)
	if err != nil {
		return err
	}
	settings := &provisionSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	service, _, err := buildService(serviceOptions{
		DBPath:        fleet.DBPath,
		PolicyPath:    fleet.PolicyPath,
		WorkspaceRoot: fleet.WorkspaceRoot,
	})
	if err != nil {
		return err
	}
	defer service.Close()

	ids, err := service.Provision(ctx, settings.Repo, settings.Task, settings.Replicas, orchestrator.ProvisionOptions{
		AcceptanceCriteria: settings.Criteria,
	})
	if err != nil {
		return err
	}
	for _, id := range ids {
		fmt.Printf("provisioned worker %s\n", id)
	}
	return nil
}

var _ cmds.BareCommand = &provisionGlazedCommand{}

type deleteGlazedCommand struct {
	*cmds.CommandDescription
}

type deleteSettings struct {
	WorkerID string `glazed.parameter:"worker-id"`
}

func newDeleteGlazedCommand() (*deleteGlazedCommand, error) {
	desc, err := newFleetCommandDescription(
		"delete",
		"Delete a worker and its workspace",
		"Clean up the worker's session, remove its workspace with retries, and delete the persisted record.",
		parameters.NewParameterDefinition(
			"worker-id",
			parameters.ParameterTypeString,
			parameters.WithHelp("Worker identifier"),
			parameters.WithRequired(true),
		),
	)
	if err != nil {
		return nil, err
	}
	return &deleteGlazedCommand{CommandDescription: desc}, nil
}

func (c *deleteGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	fleet, err := initializeFleetSettings(parsedLayers)
	if err != nil {
		return err
	}
	settings := &deleteSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	service, _, err := buildService(serviceOptions{
		DBPath:     fleet.DBPath,
		PolicyPath: fleet.PolicyPath,
	})
	if err != nil {
		return err
	}
	defer service.Close()

	existed, err := service.Delete(ctx, settings.WorkerID)
	if err != nil {
		return err
	}
	if !existed {
		fmt.Printf("worker %s not found\n", settings.WorkerID)
		return nil
	}
	fmt.Printf("deleted worker %s\n", settings.WorkerID)
	return nil
}

var _ cmds.BareCommand = &deleteGlazedCommand{}

type statusGlazedCommand struct {
	*cmds.CommandDescription
}

type statusSettings struct {
	WorkerID string `glazed.parameter:"worker-id"`
}

func newStatusGlazedCommand() (*statusGlazedCommand, error) {
	desc, err := newFleetCommandDescription(
		"status",
		"Show worker status",
		"Show one worker's record, or a summary of the whole fleet.",
		parameters.NewParameterDefinition(
			"worker-id",
			parameters.ParameterTypeString,
			parameters.WithHelp("Worker identifier (empty for all workers)"),
			parameters.WithDefault(""),
		),
	)
	if err != nil {
		return nil, err
	}
	return &statusGlazedCommand{CommandDescription: desc}, nil
}

func (c *statusGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	fleet, err := initializeFleetSettings(parsedLayers)
	if err != nil {
		return err
	}
	settings := &statusSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	service, _, err := buildService(serviceOptions{
		DBPath:     fleet.DBPath,
		PolicyPath: fleet.PolicyPath,
	})
	if err != nil {
		return err
	}
	defer service.Close()

	if strings.TrimSpace(settings.WorkerID) != "" {
		record, err := service.GetStatus(settings.WorkerID)
		if err != nil {
			return err
		}
		fmt.Printf("Worker %s\n", record.ID)
		fmt.Printf("  status:    %s\n", record.Status)
		fmt.Printf("  repo:      %s\n", record.RepoURL)
		fmt.Printf("  branch:    %s\n", record.Branch)
		fmt.Printf("  task:      %s\n", record.TaskText)
		fmt.Printf("  progress:  %s\n", emptyValue(record.Progress, "-"))
		fmt.Printf("  action:    %s\n", emptyValue(record.LastAction, "-"))
		fmt.Printf("  future:    %s\n", emptyValue(record.Future, "-"))
		fmt.Printf("  updated:   %s\n", record.LastUpdated.Format("2006-01-02 15:04:05"))
		if record.LastCritique != "" {
			fmt.Printf("  critique:  %s\n", record.LastCritique)
		}
		if record.PublicationHandle != nil {
			fmt.Printf("  published: %s\n", record.PublicationHandle.URL)
		}
		if record.LastError != "" {
			fmt.Printf("  error:     %s\n", record.LastError)
		}
		return nil
	}

	records, err := service.ListWorkers()
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Println("no workers")
		return nil
	}
	for _, record := range records {
		fmt.Printf("%-26s %-16s %s\n", record.ID, record.Status, emptyValue(record.Progress, "-"))
	}
	return nil
}

var _ cmds.BareCommand = &statusGlazedCommand{}

type outputGlazedCommand struct {
	*cmds.CommandDescription
}

type outputSettings struct {
	WorkerID string `glazed.parameter:"worker-id"`
}

func newOutputGlazedCommand() (*outputGlazedCommand, error) {
	desc, err := newFleetCommandDescription(
		"output",
		"Print a worker's accumulated output",
		"Print the live output buffer of a running worker, or its last persisted snapshot.",
		parameters.NewParameterDefinition(
			"worker-id",
			parameters.ParameterTypeString,
			parameters.WithHelp("Worker identifier"),
			parameters.WithRequired(true),
		),
	)
	if err != nil {
		return nil, err
	}
	return &outputGlazedCommand{CommandDescription: desc}, nil
}

func (c *outputGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	fleet, err := initializeFleetSettings(parsedLayers)
	if err != nil {
		return err
	}
	settings := &outputSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}

	service, _, err := buildService(serviceOptions{
		DBPath:     fleet.DBPath,
		PolicyPath: fleet.PolicyPath,
	})
	if err != nil {
		return err
	}
	defer service.Close()

	output, err := service.GetOutput(settings.WorkerID)
	if err != nil {
		return err
	}
	fmt.Print(output)
	if output != "" && !strings.HasSuffix(output, "\n") {
		fmt.Println()
	}
	return nil
}

var _ cmds.BareCommand = &outputGlazedCommand{}

type policyInitGlazedCommand struct {
	*cmds.CommandDescription
}

type policyInitSettings struct {
	Path string `glazed.parameter:"path"`
}

func newPolicyInitGlazedCommand() (*policyInitGlazedCommand, error) {
	return &policyInitGlazedCommand{
		CommandDescription: cmds.NewCommandDescription(
			"policy-init",
			cmds.WithShort("Write a default policy file"),
			cmds.WithLong("Create a default agentfleet policy file at the target path."),
			cmds.WithFlags(
				parameters.NewParameterDefinition(
					"path",
					parameters.ParameterTypeString,
					parameters.WithHelp("Path to policy file"),
					parameters.WithDefault(policy.DefaultPolicyPath),
				),
			),
		),
	}, nil
}

func (c *policyInitGlazedCommand) Run(ctx context.Context, parsedLayers *layers.ParsedLayers) error {
	_ = ctx
	settings := &policyInitSettings{}
	if err := parsedLayers.InitializeStruct(layers.DefaultSlug, settings); err != nil {
		return err
	}
	if err := policy.SaveDefault(settings.Path); err != nil {
		return err
	}
	fmt.Printf("Wrote default policy to %s\n", settings.Path)
	return nil
}

var _ cmds.BareCommand = &policyInitGlazedCommand{}

func emptyValue(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

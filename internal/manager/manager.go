// Package manager implements MCPServiceManager, the router that aggregates
// every configured MCPService's tool catalog into one composite-keyed
// namespace and dispatches tools/call to the right owner. Grounded on
// internal/broker/upstream/manager.go's MCPManager (diffTools/prefixedName/
// GetManagedTools) and the fan-out dispatch in
// other_examples/afbd9fc5_Consensys-ask-o11y-plugin__pkg-mcp-proxy.go.go's
// Proxy (ListTools/CallToolWithContext/FindToolByName).
package manager

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mcpforge/aggregator/internal/config"
	"github.com/mcpforge/aggregator/internal/customtool"
	"github.com/mcpforge/aggregator/internal/mcperrors"
	"github.com/mcpforge/aggregator/internal/mcpservice"
)

// compositeDelimiter matches config.ValidateServiceName's forbidden
// substring so composite keys split back apart unambiguously.
const compositeDelimiter = "__"

// ToolConflict records a bare tool name claimed by more than one service,
// surfaced for operator visibility; it does not change dispatch behavior.
type ToolConflict struct {
	ToolName      string
	ConflictsWith []string
}

// ManagerStatus is the aggregate status snapshot across every managed service.
type ManagerStatus struct {
	Services      []mcpservice.ServiceStatusSnapshot
	ToolConflicts []ToolConflict
}

// MCPServiceManager owns the full set of configured upstream services plus
// the custom-tool side channel, and is the single place the proxy and any
// embedding code calls to list or invoke tools.
type MCPServiceManager struct {
	logger *slog.Logger

	mu       sync.RWMutex
	services map[string]*mcpservice.MCPService
	configs  map[string]config.ServiceConfig

	customTools *customtool.Registry

	onToolsChanged func()

	// newService builds the MCPService for a config; overridable in tests
	// to substitute a fake transport instead of transport.New's real client.
	newService func(config.ServiceConfig, *slog.Logger, func(string)) (*mcpservice.MCPService, error)
}

// New constructs an empty manager. Use AddServiceConfig to register upstreams.
func New(logger *slog.Logger, customTools *customtool.Registry, onToolsChanged func()) *MCPServiceManager {
	if logger == nil {
		logger = slog.Default()
	}
	if customTools == nil {
		customTools = customtool.NewRegistry()
	}
	m := &MCPServiceManager{
		logger:         logger.With("component", "manager"),
		services:       make(map[string]*mcpservice.MCPService),
		configs:        make(map[string]config.ServiceConfig),
		customTools:    customTools,
		onToolsChanged: onToolsChanged,
		newService:     mcpservice.New,
	}
	m.customTools.SetMCPCaller(m.callMCPBacked)
	return m
}

// SetServiceFactory overrides how MCPService instances are constructed for
// newly started services, letting an embedder (or a test) substitute a
// transport other than transport.New's real client construction.
func (m *MCPServiceManager) SetServiceFactory(factory func(config.ServiceConfig, *slog.Logger, func(string)) (*mcpservice.MCPService, error)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.newService = factory
}

// callMCPBacked resolves a Kind-mcp custom tool entry to the real tool on
// the named upstream service.
func (m *MCPServiceManager) callMCPBacked(ctx context.Context, serviceName, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	svc, ok := m.GetService(serviceName)
	if !ok {
		return nil, mcperrors.New(mcperrors.KindToolNotFound, serviceName, "tools/call", errNotRegistered(serviceName))
	}
	return svc.CallTool(ctx, toolName, args)
}

// AddServiceConfig registers a service's configuration without connecting.
// Pure metadata operation; call StartService or StartAllServices to connect.
func (m *MCPServiceManager) AddServiceConfig(cfg config.ServiceConfig) error {
	if err := config.ValidateServiceName(cfg.Name); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.configs[cfg.Name]; exists {
		return mcperrors.New(mcperrors.KindConfig, cfg.Name, "add-service", errAlreadyRegistered(cfg.Name))
	}
	m.configs[cfg.Name] = cfg
	return nil
}

// UpdateServiceConfig replaces a registered service's configuration. If the
// service is currently running it is not reconnected automatically; callers
// should stop and restart it to pick up the change.
func (m *MCPServiceManager) UpdateServiceConfig(cfg config.ServiceConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.configs[cfg.Name]; !exists {
		return mcperrors.New(mcperrors.KindConfig, cfg.Name, "update-service", errNotRegistered(cfg.Name))
	}
	m.configs[cfg.Name] = cfg
	return nil
}

// RemoveServiceConfig stops (if running) and forgets a service.
func (m *MCPServiceManager) RemoveServiceConfig(name string) error {
	m.mu.Lock()
	svc, running := m.services[name]
	delete(m.services, name)
	delete(m.configs, name)
	m.mu.Unlock()

	if running {
		return svc.Disconnect()
	}
	return nil
}

// StartAllServices connects every registered service concurrently. Each
// service's failure is isolated: one upstream failing to connect does not
// prevent the others from starting. Returns the names that failed.
func (m *MCPServiceManager) StartAllServices(ctx context.Context) []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.configs))
	for name := range m.configs {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failed []string

	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			if err := m.StartService(ctx, name); err != nil {
				mu.Lock()
				failed = append(failed, name)
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	sort.Strings(failed)
	return failed
}

// StartService constructs (if needed) and connects the named service.
func (m *MCPServiceManager) StartService(ctx context.Context, name string) error {
	m.mu.Lock()
	cfg, ok := m.configs[name]
	if !ok {
		m.mu.Unlock()
		return mcperrors.New(mcperrors.KindConfig, name, "start-service", errNotRegistered(name))
	}
	svc, exists := m.services[name]
	if !exists {
		var err error
		svc, err = m.newService(cfg, m.logger, m.handleServiceToolsChanged)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		m.services[name] = svc
	}
	m.mu.Unlock()

	return svc.Connect(ctx)
}

// StopService disconnects and forgets the named running service.
func (m *MCPServiceManager) StopService(name string) error {
	m.mu.Lock()
	svc, ok := m.services[name]
	delete(m.services, name)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return svc.Disconnect()
}

// StopAllServices disconnects every running service concurrently and waits
// up to grace for those disconnects to return. Disconnects still running
// when grace elapses are abandoned with a warning; they are not interrupted.
func (m *MCPServiceManager) StopAllServices(grace time.Duration) {
	m.mu.RLock()
	services := make([]*mcpservice.MCPService, 0, len(m.services))
	for _, svc := range m.services {
		services = append(services, svc)
	}
	m.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		var wg sync.WaitGroup
		for _, svc := range services {
			wg.Add(1)
			go func(svc *mcpservice.MCPService) {
				defer wg.Done()
				if err := svc.Disconnect(); err != nil {
					m.logger.Error("error disconnecting service during shutdown", "service", svc.Name(), "error", err)
				}
			}(svc)
		}
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		m.logger.Warn("shutdown grace period elapsed before all services disconnected")
	}
}

// GetConnectedServices returns the names of services currently Connected.
func (m *MCPServiceManager) GetConnectedServices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, svc := range m.services {
		if svc.State() == mcpservice.StateConnected {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// GetService returns the MCPService registered under name, if any.
func (m *MCPServiceManager) GetService(name string) (*mcpservice.MCPService, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[name]
	return svc, ok
}

// aggregateEntry pairs a composite tool key with its owning service and the
// tool definition as the upstream advertised it.
type aggregateEntry struct {
	compositeName string
	serviceName   string
	tool          mcp.Tool
}

// GetAllTools returns the aggregate catalog keyed by composite name
// (serviceName + "__" + originalName), plus any collision diagnostics.
func (m *MCPServiceManager) GetAllTools() ([]mcp.Tool, []ToolConflict) {
	entries, byBareName := m.collectEntries()

	out := make([]mcp.Tool, 0, len(entries))
	for _, e := range entries {
		t := e.tool
		t.Name = e.compositeName
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })

	var conflicts []ToolConflict
	for bare, owners := range byBareName {
		if len(owners) > 1 {
			conflicts = append(conflicts, ToolConflict{ToolName: bare, ConflictsWith: owners})
		}
	}
	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].ToolName < conflicts[j].ToolName })

	return out, conflicts
}

// GetAllToolsMap returns the aggregate catalog as a map from composite name
// to owning service name, useful for quick membership checks.
func (m *MCPServiceManager) GetAllToolsMap() map[string]string {
	entries, _ := m.collectEntries()
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		out[e.compositeName] = e.serviceName
	}
	return out
}

func (m *MCPServiceManager) collectEntries() ([]aggregateEntry, map[string][]string) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var entries []aggregateEntry
	byBareName := make(map[string][]string)

	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		svc := m.services[name]
		cfg := m.configs[name]
		prefix := name
		if cfg.ToolPrefix != "" {
			prefix = cfg.ToolPrefix
		}
		for _, tool := range svc.GetTools() {
			if override, overridden := cfg.ToolOverrides[tool.Name]; overridden {
				if !override.Enabled {
					continue
				}
				if override.Description != "" {
					tool.Description = override.Description
				}
			}
			composite := prefix + compositeDelimiter + tool.Name
			entries = append(entries, aggregateEntry{compositeName: composite, serviceName: name, tool: tool})
			byBareName[tool.Name] = append(byBareName[tool.Name], name)
		}
	}
	return entries, byBareName
}

// CallTool dispatches a tool invocation. If name contains the composite
// delimiter it is split into (prefix, tool) and routed directly to the
// service whose ToolPrefix, or whose name when no prefix is set, matches
// the first part. Otherwise
// the bare name is searched across every service's catalog: exactly one
// match dispatches there, multiple matches is ambiguous, and no match falls
// back to the custom-tool registry before reporting ToolNotFound.
func (m *MCPServiceManager) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	if idx := strings.Index(name, compositeDelimiter); idx >= 0 {
		prefix := name[:idx]
		serviceName := prefix
		m.mu.RLock()
		for n, c := range m.configs {
			if c.ToolPrefix != "" && c.ToolPrefix == prefix {
				serviceName = n
				break
			}
		}
		m.mu.RUnlock()
		toolName := name[idx+len(compositeDelimiter):]
		svc, ok := m.GetService(serviceName)
		if !ok {
			return nil, mcperrors.New(mcperrors.KindToolNotFound, serviceName, "tools/call", errNotRegistered(serviceName))
		}
		if m.isToolDisabled(serviceName, toolName) {
			return nil, mcperrors.New(mcperrors.KindToolNotFound, serviceName, "tools/call", errToolNotFound(name))
		}
		return svc.CallTool(ctx, toolName, args)
	}

	_, byBareName := m.collectEntries()
	owners := byBareName[name]
	switch len(owners) {
	case 1:
		svc, _ := m.GetService(owners[0])
		return svc.CallTool(ctx, name, args)
	case 0:
		if m.customTools.Has(name) {
			return m.customTools.Call(ctx, name, args)
		}
		return nil, mcperrors.New(mcperrors.KindToolNotFound, "", "tools/call", errToolNotFound(name))
	default:
		return nil, mcperrors.New(mcperrors.KindAmbiguousToolName, "", "tools/call", errAmbiguousTool(name, owners))
	}
}

// GetStatus returns the aggregate status across every managed service.
func (m *MCPServiceManager) GetStatus() ManagerStatus {
	m.mu.RLock()
	names := make([]string, 0, len(m.services))
	for name := range m.services {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	status := ManagerStatus{}
	for _, name := range names {
		svc, ok := m.GetService(name)
		if !ok {
			continue
		}
		status.Services = append(status.Services, svc.GetStatus())
	}
	_, conflicts := m.GetAllTools()
	status.ToolConflicts = conflicts
	return status
}

// isToolDisabled reports whether serviceName's ToolOverrides explicitly
// disables toolName. Only direct/composite dispatch consults this; the
// bare-name search path already excludes disabled tools via collectEntries.
func (m *MCPServiceManager) isToolDisabled(serviceName, toolName string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg, ok := m.configs[serviceName]
	if !ok {
		return false
	}
	override, overridden := cfg.ToolOverrides[toolName]
	return overridden && !override.Enabled
}

func (m *MCPServiceManager) handleServiceToolsChanged(serviceName string) {
	m.logger.Debug("tools changed", "service", serviceName)
	if m.onToolsChanged != nil {
		m.onToolsChanged()
	}
}

package tunnel

// WorkspaceSummary is one entry of a metadata snapshot's workspace list.
type WorkspaceSummary struct {
	Path          string `json:"path"`
	TerminalCount int    `json:"terminalCount"`
}

// TerminalSummary is one entry of a metadata snapshot's terminal list.
type TerminalSummary struct {
	ID            string `json:"id"`
	WorkspacePath string `json:"workspacePath"`
	Type          string `json:"type"`
	RoleID        string `json:"roleId,omitempty"`
}

// Metadata is the small snapshot Tower exposes to the gateway: an
// outbound push on connect/SendMetadata, and a pull via the
// /__tower/metadata route proxied through the tunnel (spec.md §6).
type Metadata struct {
	Workspaces []WorkspaceSummary `json:"workspaces"`
	Terminals  []TerminalSummary  `json:"terminals"`
}

// MetadataProvider supplies the current snapshot on demand.
type MetadataProvider func() Metadata

// Package bootstrap builds the shell commands that download the worker
// jar onto a fresh instance and start the worker processes, tagged with
// the key the node source later uses to find the instance again.
package bootstrap

import (
	"fmt"
	"strings"
	"text/template"
)

// Supported operating systems.
const (
	OSLinux   = "linux"
	OSWindows = "windows"
)

// Config holds the Builder parameters.
type Config struct {
	// RMURL is the resource manager URL workers register with, e.g.
	// pnp://rm.example.com:64738.
	RMURL string

	// RMHost is the resource manager host.  It serves node.jar and
	// routes PAMR traffic.
	RMHost string

	// NodeSourceName is passed to the worker with -s.
	NodeSourceName string

	// NodesPerInstance is passed to the worker with -w.  Default: 1.
	NodesPerInstance int

	// OperatingSystem selects the default download command.
	// Default: "linux".
	OperatingSystem string

	// DownloadCommand overrides the default download command.
	DownloadCommand string

	// AdditionalProperties are extra JVM properties.
	AdditionalProperties string
}

// Builder renders bootstrap commands.  It is immutable and safe for
// concurrent use.
type Builder struct {
	cfg      Config
	download string
}

var startTemplate = template.Must(template.New("start").Parse(
	`java -jar node.jar` +
		`{{if .Protocol}} -Dproactive.communication.protocol={{.Protocol}} -Dproactive.pamr.router.address={{.RMHost}}{{end}}` +
		` -D{{.Property}}={{.Key}} {{.AdditionalProperties}} -r {{.RMURL}} -s {{.NodeSourceName}} -w {{.NodesPerInstance}}`,
))

type startData struct {
	Config
	Protocol string
	Property string
	Key      string
}

// New creates a Builder.
func New(cfg Config) (*Builder, error) {
	if cfg.RMURL == "" {
		return nil, fmt.Errorf("resource manager URL is required")
	}
	if cfg.NodeSourceName == "" {
		return nil, fmt.Errorf("node source name is required")
	}
	if cfg.NodesPerInstance == 0 {
		cfg.NodesPerInstance = 1
	}
	if cfg.NodesPerInstance < 0 {
		return nil, fmt.Errorf("nodes per instance must be positive, got %d", cfg.NodesPerInstance)
	}
	if cfg.OperatingSystem == "" {
		cfg.OperatingSystem = OSLinux
	}
	if cfg.RMHost == "" {
		cfg.RMHost = "localhost"
	}

	download := cfg.DownloadCommand
	if download == "" {
		switch cfg.OperatingSystem {
		case OSLinux:
			download = "wget -nv " + cfg.RMHost + ":8080/rest/node.jar"
		case OSWindows:
			download = "powershell -command \"& { (New-Object Net.WebClient).DownloadFile('" +
				cfg.RMHost + ":8080/rest/node.jar" + "', 'node.jar') }\""
		default:
			return nil, fmt.Errorf("unsupported operating system %q", cfg.OperatingSystem)
		}
	}

	return &Builder{cfg: cfg, download: download}, nil
}

// DownloadCommand returns the command fetching node.jar.
func (b *Builder) DownloadCommand() string {
	return b.download
}

// StartCommand returns the worker launch command advertising
// -D<property>=<key>.  The communication protocol is the scheme of the
// RM URL; without one the protocol flags are left out.
func (b *Builder) StartCommand(property, key string) string {
	data := startData{Config: b.cfg, Property: property, Key: key}
	if scheme, _, ok := strings.Cut(b.cfg.RMURL, ":"); ok {
		data.Protocol = strings.TrimSpace(scheme)
	}

	var sb strings.Builder
	// The template only reads fields of startData.
	_ = startTemplate.Execute(&sb, data)
	return sb.String()
}

// Commands returns the two-step script: download, then start in the
// background.
func (b *Builder) Commands(property, key string) []string {
	return []string{
		b.download,
		"nohup " + b.StartCommand(property, key) + "  &",
	}
}

// ShellCommand returns the same script as a single argument for a
// remote shell, used by backends that run scripts with credentials.
func (b *Builder) ShellCommand(property, key string) []string {
	return []string{
		"-c '" + b.download + ";nohup " + b.StartCommand(property, key) + "  &'",
	}
}

package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nixpig/ocrdmonitor/internal/browser"
	"github.com/nixpig/ocrdmonitor/internal/browser/cgroups"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

const (
	modeNative = "native"
	modeDocker = "docker"
)

// config mirrors the settings file. Flags are bound to the same fields, so a
// flag set on the command line wins over the file.
type config struct {
	Debug      bool             `yaml:"debug"`
	Server     serverConfig     `yaml:"server"`
	Browser    browserConfig    `yaml:"browser"`
	Controller controllerConfig `yaml:"controller"`
	Logview    logviewConfig    `yaml:"logview"`
}

type serverConfig struct {
	Host       string `yaml:"host"`
	Port       uint16 `yaml:"port"`
	HealthPort uint16 `yaml:"health_port"`
	TLSCert    string `yaml:"tls_cert"`
	TLSKey     string `yaml:"tls_key"`
	CACert     string `yaml:"ca_cert"`
}

type browserConfig struct {
	WorkspaceDir string    `yaml:"workspace_dir"`
	Mode         string    `yaml:"mode"`
	PortRange    portRange `yaml:"port_range"`
	Host         string    `yaml:"host"`
	Viewer       string    `yaml:"viewer"`
	Broadwayd    string    `yaml:"broadwayd"`
	Image        string    `yaml:"image"`
	CPUMax       int64     `yaml:"cpu_max"`
	MemoryMax    int64     `yaml:"memory_max"`
	CgroupRoot   string    `yaml:"cgroup_root"`
}

type controllerConfig struct {
	JobDir      string `yaml:"job_dir"`
	WorkflowDir string `yaml:"workflow_dir"`
	Host        string `yaml:"host"`
	User        string `yaml:"user"`
	Port        int    `yaml:"port"`
	KeyFile     string `yaml:"keyfile"`
}

type logviewConfig struct {
	Port uint16 `yaml:"port"`
}

func defaultConfig() *config {
	keyFile := ""
	if home, err := os.UserHomeDir(); err == nil {
		keyFile = filepath.Join(home, ".ssh", "id_rsa")
	}

	return &config{
		Server: serverConfig{
			Host: "127.0.0.1",
			Port: 5000,
		},
		Browser: browserConfig{
			WorkspaceDir: ".",
			Mode:         modeNative,
			PortRange:    portRange{from: 9000, to: 9100},
			Host:         "http://localhost",
			CgroupRoot:   cgroups.DefaultRoot,
		},
		Controller: controllerConfig{
			Port:    22,
			KeyFile: keyFile,
		},
		Logview: logviewConfig{Port: 8022},
	}
}

func (c *config) bindFlags(flags *pflag.FlagSet) {
	flags.BoolVar(&c.Debug, "debug", c.Debug, "Enable debug logs")

	flags.StringVar(&c.Server.Host, "host", c.Server.Host, "HTTP server host to bind")
	flags.Uint16Var(&c.Server.Port, "port", c.Server.Port, "HTTP server port")
	flags.Uint16Var(
		&c.Server.HealthPort,
		"health-port",
		c.Server.HealthPort,
		"gRPC health server port (0 disables it)",
	)
	flags.StringVar(&c.Server.TLSCert, "tls-cert", c.Server.TLSCert, "Path to server TLS certificate")
	flags.StringVar(&c.Server.TLSKey, "tls-key", c.Server.TLSKey, "Path to server TLS private key")
	flags.StringVar(&c.Server.CACert, "ca-cert", c.Server.CACert, "Path to CA certificate for mTLS")

	flags.StringVar(
		&c.Browser.WorkspaceDir,
		"workspace-dir",
		c.Browser.WorkspaceDir,
		"Directory containing the workspaces",
	)
	flags.StringVar(&c.Browser.Mode, "mode", c.Browser.Mode, "Viewer mode (native|docker)")
	flags.Var(&c.Browser.PortRange, "port-range", "Viewer ports as FROM-TO or [FROM,TO], TO excluded")
	flags.StringVar(&c.Browser.Host, "viewer-host", c.Browser.Host, "Scheme and host viewers are reachable at")
	flags.StringVar(&c.Browser.Viewer, "viewer", c.Browser.Viewer, "Viewer executable (native mode)")
	flags.StringVar(&c.Browser.Broadwayd, "broadwayd", c.Browser.Broadwayd, "Broadway display server executable (native mode)")
	flags.StringVar(&c.Browser.Image, "docker-image", c.Browser.Image, "Viewer image (docker mode)")
	flags.Int64Var(&c.Browser.CPUMax, "viewer-cpu-max", c.Browser.CPUMax, "CPU limit per viewer in percent (native mode)")
	flags.Int64Var(&c.Browser.MemoryMax, "viewer-memory-max", c.Browser.MemoryMax, "Memory limit per viewer in bytes (native mode)")
	flags.StringVar(&c.Browser.CgroupRoot, "cgroup-root", c.Browser.CgroupRoot, "cgroup v2 root for viewer limits")

	flags.StringVar(&c.Controller.JobDir, "job-dir", c.Controller.JobDir, "Directory containing the job files")
	flags.StringVar(&c.Controller.WorkflowDir, "workflow-dir", c.Controller.WorkflowDir, "Directory containing the workflow files")
	flags.StringVar(&c.Controller.Host, "controller-host", c.Controller.Host, "OCR-D controller host")
	flags.StringVar(&c.Controller.User, "controller-user", c.Controller.User, "OCR-D controller SSH user")
	flags.IntVar(&c.Controller.Port, "controller-port", c.Controller.Port, "OCR-D controller SSH port")
	flags.StringVar(&c.Controller.KeyFile, "controller-keyfile", c.Controller.KeyFile, "Private key for the OCR-D controller")

	flags.Uint16Var(&c.Logview.Port, "logview-port", c.Logview.Port, "Port of the log viewer")
}

// load reads the settings file at path into c and then re-applies every flag
// that was set on the command line.
func (c *config) load(path string, flags *pflag.FlagSet) error {
	content, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}

	changed := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})

	if err := yaml.Unmarshal(content, c); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}

	for name, value := range changed {
		if err := flags.Set(name, value); err != nil {
			return fmt.Errorf("reapply flag %s: %w", name, err)
		}
	}

	return nil
}

func (c *config) validate() error {
	if c.Server.Port == 0 {
		return errors.New("port must be in valid range")
	}

	if c.Server.HealthPort != 0 && c.Server.HealthPort == c.Server.Port {
		return errors.New("health-port must differ from port")
	}

	if c.Browser.Mode != modeNative && c.Browser.Mode != modeDocker {
		return fmt.Errorf("mode must be %s or %s: got '%s'", modeNative, modeDocker, c.Browser.Mode)
	}

	if len(c.Browser.PortRange.ports()) == 0 {
		return fmt.Errorf("port-range %s is empty", c.Browser.PortRange.String())
	}

	if c.Browser.PortRange.from < 1 || c.Browser.PortRange.to > 65536 {
		return errors.New("port-range must be in valid range")
	}

	if c.Browser.Mode == modeNative && c.Browser.PortRange.from < browser.DisplayBase {
		return fmt.Errorf("port-range must start at or above %d in native mode", browser.DisplayBase)
	}

	if err := isDir(c.Browser.WorkspaceDir); err != nil {
		return fmt.Errorf("workspace-dir: %w", err)
	}

	if c.Controller.JobDir != "" {
		if err := isDir(c.Controller.JobDir); err != nil {
			return fmt.Errorf("job-dir: %w", err)
		}
	}

	if c.Controller.WorkflowDir != "" {
		if err := isDir(c.Controller.WorkflowDir); err != nil {
			return fmt.Errorf("workflow-dir: %w", err)
		}
	}

	if c.Controller.Host != "" {
		if c.Controller.Port < 1 || c.Controller.Port > 65535 {
			return errors.New("controller-port must be in valid range")
		}

		if _, err := os.Stat(c.Controller.KeyFile); err != nil {
			return fmt.Errorf("failed to stat controller-keyfile: %w", err)
		}
	}

	if (c.Server.TLSCert == "") != (c.Server.TLSKey == "") {
		return errors.New("tls-cert and tls-key must be set together")
	}

	for name, path := range map[string]string{
		"tls-cert": c.Server.TLSCert,
		"tls-key":  c.Server.TLSKey,
		"ca-cert":  c.Server.CACert,
	} {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("failed to stat %s: %w", name, err)
		}
	}

	return nil
}

func (c *config) limits() *cgroups.Limits {
	limits := &cgroups.Limits{
		CPUMaxPercent:  c.Browser.CPUMax,
		MemoryMaxBytes: c.Browser.MemoryMax,
	}

	if limits.IsZero() {
		return nil
	}

	return limits
}

func isDir(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}

	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", path)
	}

	return nil
}

// portRange is the half-open range of viewer ports. It is set from
// "FROM-TO", "FROM,TO" or "[FROM,TO]", and from a two element YAML sequence.
type portRange struct {
	from int
	to   int
}

func (p *portRange) String() string {
	return fmt.Sprintf("%d-%d", p.from, p.to)
}

func (p *portRange) Set(value string) error {
	fields := strings.FieldsFunc(
		strings.Trim(strings.TrimSpace(value), "[]"),
		func(r rune) bool { return r == ',' || r == '-' },
	)

	if len(fields) != 2 {
		return fmt.Errorf("port range must have exactly two values: got '%s'", value)
	}

	var bounds [2]int
	for i, field := range fields {
		n, err := strconv.Atoi(strings.TrimSpace(field))
		if err != nil {
			return fmt.Errorf("port range value to number: %w", err)
		}

		bounds[i] = n
	}

	p.from, p.to = bounds[0], bounds[1]

	return nil
}

func (p *portRange) Type() string {
	return "range"
}

func (p *portRange) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		return p.Set(node.Value)

	case yaml.SequenceNode:
		var bounds []int
		if err := node.Decode(&bounds); err != nil {
			return err
		}

		if len(bounds) != 2 {
			return fmt.Errorf("port range must have exactly two values: got %d", len(bounds))
		}

		p.from, p.to = bounds[0], bounds[1]

		return nil

	default:
		return fmt.Errorf("port range must be a string or a sequence: line %d", node.Line)
	}
}

func (p portRange) ports() []int {
	return browser.PortRange(p.from, p.to)
}

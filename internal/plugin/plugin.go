// Package plugin hosts external risk classifiers as hashicorp/go-plugin
// subprocesses speaking gRPC.
package plugin

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/hashicorp/go-hclog"
	hcplugin "github.com/hashicorp/go-plugin"

	"github.com/felixgeelhaar/medmem/internal/clinical"
)

// HandshakeConfig is used to handshake between host and plugin.
var HandshakeConfig = hcplugin.HandshakeConfig{
	ProtocolVersion:  1,
	MagicCookieKey:   "MEDMEM_PLUGIN_MAGIC_COOKIE",
	MagicCookieValue: "medmem-risk",
}

// PluginName is the key the classifier is dispensed under.
const PluginName = "risk"

// PluginMap is the map of plugins we can dispense.
var PluginMap = map[string]hcplugin.Plugin{
	PluginName: &RiskPlugin{},
}

// RiskClassifier decides whether a subject is high risk.
type RiskClassifier interface {
	Classify(ctx context.Context, domain clinical.Domain, subjectCode string) (bool, error)
}

// Host is a running plugin process.
type Host struct {
	RiskClassifier
	client *hcplugin.Client
}

// Launch starts the plugin binary at path and dispenses its classifier.
func Launch(path string) (*Host, error) {
	client := hcplugin.NewClient(&hcplugin.ClientConfig{
		HandshakeConfig:  HandshakeConfig,
		Plugins:          PluginMap,
		Cmd:              exec.Command(path),
		AllowedProtocols: []hcplugin.Protocol{hcplugin.ProtocolGRPC},
		Logger:           hclog.NewNullLogger(),
	})

	rpcClient, err := client.Client()
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to start plugin %s: %w", path, err)
	}
	raw, err := rpcClient.Dispense(PluginName)
	if err != nil {
		client.Kill()
		return nil, fmt.Errorf("failed to dispense %s: %w", PluginName, err)
	}
	classifier, ok := raw.(RiskClassifier)
	if !ok {
		client.Kill()
		return nil, fmt.Errorf("plugin %s does not implement the risk classifier", path)
	}
	return &Host{RiskClassifier: classifier, client: client}, nil
}

// Close stops the plugin process.
func (h *Host) Close() error {
	h.client.Kill()
	return nil
}

// Serve runs impl as a plugin. It blocks until the host disconnects.
func Serve(impl RiskClassifier) {
	hcplugin.Serve(&hcplugin.ServeConfig{
		HandshakeConfig: HandshakeConfig,
		Plugins: map[string]hcplugin.Plugin{
			PluginName: &RiskPlugin{Impl: impl},
		},
		GRPCServer: hcplugin.DefaultGRPCServer,
	})
}

// CodeList classifies subjects found in a fixed set of canonical codes.
type CodeList map[string]bool

// LoadCodeList reads one subject code per line. Blank lines and lines
// starting with # are skipped.
func LoadCodeList(path string) (CodeList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open code list: %w", err)
	}
	defer f.Close()

	codes := CodeList{}
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		codes[clinical.CanonicalCode(line)] = true
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("failed to read code list: %w", err)
	}
	return codes, nil
}

func (c CodeList) Classify(_ context.Context, _ clinical.Domain, subjectCode string) (bool, error) {
	return c[clinical.CanonicalCode(subjectCode)], nil
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/felixgeelhaar/medmem/internal/clinical"
	"github.com/felixgeelhaar/medmem/internal/decide"
	"github.com/felixgeelhaar/medmem/internal/ledger"
	"github.com/felixgeelhaar/medmem/internal/observe"
	"github.com/felixgeelhaar/medmem/internal/plugin"
	"github.com/felixgeelhaar/medmem/internal/policy"
	"github.com/felixgeelhaar/medmem/internal/reconcile"
	"github.com/felixgeelhaar/medmem/internal/seal"
	"github.com/felixgeelhaar/medmem/internal/store"
	"github.com/felixgeelhaar/medmem/internal/ui"
)

// Configuration keys kept in the store.
const (
	configPolicyPath = "policy.path"
	configRiskPlugin = "risk.plugin"
	configRiskCodes  = "risk.codes"
	configMaxRetries = "reconcile.max_retries"
)

func (o *options) observer(cmd *cobra.Command) *observe.Observer {
	if o.jsonOut {
		return observe.NewJSON(cmd.ErrOrStderr(), o.verbose)
	}
	return observe.New(cmd.ErrOrStderr(), o.verbose)
}

func (o *options) ui(cmd *cobra.Command) ui.UI {
	if o.jsonOut {
		return ui.NewJSON(cmd.OutOrStdout())
	}
	return ui.NewStyled(cmd.OutOrStdout())
}

func (o *options) getStore() (store.Storage, error) {
	if err := os.MkdirAll(o.dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	sealer, err := seal.FromEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to init sealer: %w", err)
	}
	s, err := store.Open(store.Kind(o.backend), o.dataDir, sealer)
	if err != nil {
		return nil, fmt.Errorf("failed to init store: %w", err)
	}
	return s, nil
}

// loadPolicy prefers the --policy flag, then the stored policy.path, then
// the built-in table.
func (o *options) loadPolicy(s store.Storage) (*policy.Table, error) {
	path := o.policyPath
	if path == "" && s != nil {
		p, err := s.GetConfig(configPolicyPath)
		if err != nil {
			return nil, err
		}
		path = p
	}
	if path == "" {
		return policy.Default(), nil
	}
	return policy.Load(path)
}

// app is everything a command needs to run the service.
type app struct {
	store   store.Storage
	svc     *reconcile.Service
	obs     *observe.Observer
	cleanup []func()
}

func (a *app) Close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}

func (o *options) buildApp(cmd *cobra.Command) (*app, error) {
	s, err := o.getStore()
	if err != nil {
		return nil, err
	}
	obs := o.observer(cmd)
	a := &app{store: s, obs: obs, cleanup: []func(){func() { s.Close() }, func() { obs.Close() }}}

	table, err := o.loadPolicy(s)
	if err != nil {
		a.Close()
		return nil, err
	}
	for _, w := range table.Validate().Warnings {
		obs.Log().Warn().Str("policy", table.Version).Msg(w)
	}

	bus := reconcile.NewEventBus()
	bus.SubscribeAll(func(e reconcile.Event) {
		obs.Log().Debug().Str("event", string(e.Type)).Str("user", e.UserID).Str("key", e.Key).Msg("reconcile event")
	})
	svcOpts := []reconcile.Option{reconcile.WithObserver(obs), reconcile.WithEventBus(bus)}
	risk, err := o.riskClassifier(s, a)
	if err != nil {
		a.Close()
		return nil, err
	}
	if risk != nil {
		svcOpts = append(svcOpts, reconcile.WithRiskClassifier(risk))
	}
	if v, _ := s.GetConfig(configMaxRetries); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			a.Close()
			return nil, fmt.Errorf("invalid %s %q", configMaxRetries, v)
		}
		svcOpts = append(svcOpts, reconcile.WithMaxRetries(n))
	}

	a.svc = reconcile.New(decide.New(table), ledger.New(s), svcOpts...)
	return a, nil
}

// riskClassifier loads the configured external classifier, if any. A
// plugin binary takes precedence over a code list.
func (o *options) riskClassifier(s store.Storage, a *app) (reconcile.RiskClassifier, error) {
	if path, _ := s.GetConfig(configRiskPlugin); path != "" {
		host, err := plugin.Launch(path)
		if err != nil {
			return nil, err
		}
		a.cleanup = append(a.cleanup, func() { host.Close() })
		return host, nil
	}
	if path, _ := s.GetConfig(configRiskCodes); path != "" {
		codes, err := plugin.LoadCodeList(path)
		if err != nil {
			return nil, err
		}
		return codes, nil
	}
	return nil, nil
}

// readEntry decodes a YAML or JSON entry from path, or stdin for "-".
func readEntry(cmd *cobra.Command, path string) (clinical.Entry, error) {
	var e clinical.Entry
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path) // #nosec G304
	}
	if err != nil {
		return e, fmt.Errorf("failed to read entry: %w", err)
	}

	// Route YAML through JSON so the embedded attribute groups flatten.
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return e, fmt.Errorf("failed to parse entry %s: %w", path, err)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return e, fmt.Errorf("failed to parse entry %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &e); err != nil {
		return e, fmt.Errorf("failed to parse entry %s: %w", path, err)
	}
	return e, nil
}

// riskFlag returns nil unless --high-risk was given explicitly.
func riskFlag(cmd *cobra.Command) *bool {
	if !cmd.Flags().Changed("high-risk") {
		return nil
	}
	v, _ := cmd.Flags().GetBool("high-risk")
	return &v
}

func addDecisionFlags(cmd *cobra.Command) {
	cmd.Flags().Bool("approximate", false, "Timestamps are approximate")
	cmd.Flags().Bool("high-risk", false, "Force the risk classification (omit to derive it)")
	cmd.Flags().Float64("tolerance", 0, "Override the approximate-time tolerance in days")
}

func decisionFlags(cmd *cobra.Command) (approximate bool, highRisk *bool, tolerance float64) {
	approximate, _ = cmd.Flags().GetBool("approximate")
	tolerance, _ = cmd.Flags().GetFloat64("tolerance")
	return approximate, riskFlag(cmd), tolerance
}

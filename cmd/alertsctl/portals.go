package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/verdantis/alerts-service/internal/auth"
	"github.com/verdantis/alerts-service/internal/envelope"
	"github.com/verdantis/alerts-service/internal/projection"
	"github.com/verdantis/alerts-service/internal/secrets"
)

// requireRole gates a portal build on the asserted identity. Token
// issuance and verification live outside the CLI; the build trusts the
// operator's assertion the way the service trusts a verified principal.
func requireRole(user, role string, allowed ...string) error {
	if user == "" || role == "" {
		return errors.New("both --user and --role are required")
	}
	for _, a := range allowed {
		if role == a {
			return nil
		}
	}
	return fmt.Errorf("role %q is not permitted for this view", role)
}

type regulatorOptions struct {
	deduped       string
	outDir        string
	assetsGeoJSON string
	bundlesIndex  string
	user          string
	role          string
}

func newRegulatorCommand() *cobra.Command {
	opts := &regulatorOptions{
		deduped: defaultDeduped,
		outDir:  defaultPortalsDir + "/regulator",
	}

	cmd := &cobra.Command{
		Use:   "regulator",
		Short: "Build the regulator view: open violations and risk heatmap",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRole(opts.user, opts.role, auth.RoleRegulator); err != nil {
				return err
			}
			deduped, err := envelope.LoadMatched(opts.deduped)
			if err != nil {
				return err
			}

			b := projection.NewRegulatorBuilder(projection.RegulatorOptions{
				AssetsGeoJSONPath: opts.assetsGeoJSON,
				BundlesIndexPath:  opts.bundlesIndex,
			}, logger)
			view := b.Build(deduped)
			if err := b.Write(opts.outDir, view, opts.deduped); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "regulator: violations=%d heatmap_assets=%d -> %s\n",
				len(view.Violations), len(view.Heatmap), opts.outDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.deduped, "deduped", opts.deduped, "input kept records from the dedupe stage")
	cmd.Flags().StringVar(&opts.outDir, "out-dir", opts.outDir, "output directory for the regulator view")
	cmd.Flags().StringVar(&opts.assetsGeoJSON, "assets-geojson", "", "optional assets GeoJSON for heatmap centroids")
	cmd.Flags().StringVar(&opts.bundlesIndex, "bundles-index", "", "optional evidence bundle index JSON")
	cmd.Flags().StringVar(&opts.user, "user", "", "asserted username")
	cmd.Flags().StringVar(&opts.role, "role", "", "asserted role")

	return cmd
}

type auditRequestOptions struct {
	log    string
	user   string
	role   string
	asset  string
	bundle string
	reason string
}

func newAuditRequestCommand() *cobra.Command {
	opts := &auditRequestOptions{
		log: defaultPortalsDir + "/regulator/audit_requests.json",
	}

	cmd := &cobra.Command{
		Use:   "audit-request",
		Short: "Queue a regulator audit-pack request",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRole(opts.user, opts.role, auth.RoleRegulator); err != nil {
				return err
			}
			id, err := projection.AppendAuditRequest(opts.log, opts.user, opts.role, opts.asset, opts.bundle, opts.reason, nil)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "audit-request: %s queued -> %s\n", id, opts.log)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.log, "log", opts.log, "append-only audit request log JSON")
	cmd.Flags().StringVar(&opts.user, "user", "", "asserted username")
	cmd.Flags().StringVar(&opts.role, "role", "", "asserted role")
	cmd.Flags().StringVar(&opts.asset, "asset", "", "asset id the request concerns")
	cmd.Flags().StringVar(&opts.bundle, "bundle", "", "evidence bundle id the request concerns")
	cmd.Flags().StringVar(&opts.reason, "reason", "", "free-form reason")

	return cmd
}

type investorOptions struct {
	deduped   string
	outDir    string
	causalDir string
	news      string
	user      string
	role      string
}

func newInvestorCommand() *cobra.Command {
	opts := &investorOptions{
		deduped: defaultDeduped,
		outDir:  defaultPortalsDir + "/investor",
	}

	cmd := &cobra.Command{
		Use:   "investor",
		Short: "Build the investor view: risk trajectory and ROI linkage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRole(opts.user, opts.role, auth.RoleInvestor); err != nil {
				return err
			}
			deduped, err := envelope.LoadMatched(opts.deduped)
			if err != nil {
				return err
			}

			b := projection.NewInvestorBuilder(projection.InvestorOptions{
				CausalSeriesDir: opts.causalDir,
				NewsPath:        opts.news,
			}, logger)
			view := b.Build(deduped)
			if err := b.Write(opts.outDir, view, opts.deduped); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "investor: assets=%d linkage=%d -> %s\n",
				len(view.Trajectory), len(view.Linkage), opts.outDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.deduped, "deduped", opts.deduped, "input kept records from the dedupe stage")
	cmd.Flags().StringVar(&opts.outDir, "out-dir", opts.outDir, "output directory for the investor view")
	cmd.Flags().StringVar(&opts.causalDir, "causal-dir", "", "optional directory of causal series JSONs")
	cmd.Flags().StringVar(&opts.news, "news", "", "optional news sentiment JSON list")
	cmd.Flags().StringVar(&opts.user, "user", "", "asserted username")
	cmd.Flags().StringVar(&opts.role, "role", "", "asserted role")

	return cmd
}

type publicOptions struct {
	deduped string
	config  string
	outDir  string
	user    string
	role    string
}

func newPublicCommand() *cobra.Command {
	opts := &publicOptions{
		deduped: defaultDeduped,
		outDir:  defaultPortalsDir + "/public",
	}

	cmd := &cobra.Command{
		Use:   "public",
		Short: "Build the sanitized public feed and regional scores",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := requireRole(opts.user, opts.role, auth.RoleRegulator, auth.RoleInvestor, auth.RolePublic); err != nil {
				return err
			}

			cfg := projection.DefaultPublicConfig()
			if opts.config != "" {
				var err error
				cfg, err = projection.LoadPublicConfig(opts.config)
				if err != nil {
					return err
				}
			}
			deduped, err := envelope.LoadMatched(opts.deduped)
			if err != nil {
				return err
			}

			b := projection.NewPublicBuilder(cfg, secrets.MaskSecretFromEnv(), logger)
			view := b.Build(deduped)
			if err := b.Write(opts.outDir, view, opts.deduped, opts.config); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "public: items=%d regions=%d -> %s\n",
				len(view.Feed), len(view.Scores), opts.outDir)
			return nil
		},
	}

	cmd.Flags().StringVar(&opts.deduped, "deduped", opts.deduped, "input kept records from the dedupe stage")
	cmd.Flags().StringVar(&opts.config, "config", "", "public policy config JSON (defaults apply when omitted)")
	cmd.Flags().StringVar(&opts.outDir, "out-dir", opts.outDir, "output directory for the public view")
	cmd.Flags().StringVar(&opts.user, "user", "", "asserted username")
	cmd.Flags().StringVar(&opts.role, "role", "", "asserted role")

	return cmd
}

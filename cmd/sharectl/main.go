// Command sharectl manages sealed records and their capabilities against the
// configured store, and queries a running ops server.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/macoaure/privacychain/internal/config"
	"github.com/macoaure/privacychain/internal/crypto"
	"github.com/macoaure/privacychain/internal/share"
	"github.com/macoaure/privacychain/internal/storage"
	"github.com/macoaure/privacychain/pkg/models"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// app carries state shared by every subcommand of one invocation.
type app struct {
	cfg    config.Config
	format string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "sharectl",
		Short:        "Revocable, time-bounded record sharing",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: cmd.ErrOrStderr()})
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(cfg.Level())
			a.cfg = cfg
			if a.format != formatTable && a.format != formatJSON {
				return fmt.Errorf("unknown format %q (table, json)", a.format)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.format, "format", formatTable, "Output format: table, json")

	root.AddCommand(
		a.keygenCmd(),
		a.sealCmd(),
		a.shareCmd(),
		a.accessCmd(),
		a.revokeCmd(),
		a.revokeAllCmd(),
		a.checkCmd(),
		a.listCmd(),
		a.statusCmd(),
		a.statsCmd(),
		a.historyCmd(),
		a.auditCmd(),
		a.remoteCmd(),
	)
	return root
}

// withService opens the configured store for the duration of fn.
func (a *app) withService(ctx context.Context, fn func(*share.Service, storage.Store) error) error {
	store, err := a.cfg.OpenStore(ctx)
	if err != nil {
		return fmt.Errorf("opening %s storage: %w", a.cfg.Storage, err)
	}
	defer store.Close()
	return fn(share.NewService(store, nil, a.cfg.AuditSink(store)), store)
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// --- keys ---

func (a *app) keygenCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "keygen <name>",
		Short: "Generate a P-256 identity key pair",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			privPath, pubPath, err := writeKeyPair(dir, args[0], kp)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), a.format, map[string]any{
				"private_key": privPath,
				"public_key":  pubPath,
				"identity":    kp.Public.Short(),
			})
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", ".", "Directory to write the key files into")
	return cmd
}

// --- records ---

func (a *app) sealCmd() *cobra.Command {
	var ownerPath, keyPath, file string
	cmd := &cobra.Command{
		Use:   "seal <locator>",
		Short: "Encrypt a payload under an owner's public key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, err := ownerPublic(ownerPath, keyPath)
			if err != nil {
				return err
			}
			plaintext, err := readInput(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			defer crypto.Zero(plaintext)
			return a.withService(cmd.Context(), func(svc *share.Service, _ storage.Store) error {
				rec, err := svc.Seal(cmd.Context(), plaintext, owner, args[0])
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), a.format, map[string]any{
					"record_id":  rec.ID.String(),
					"locator":    rec.Locator,
					"owner":      rec.OwnerPublicKey.Short(),
					"created_at": rec.CreatedAt,
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&ownerPath, "owner", "", "Owner public key file")
	cmd.Flags().StringVar(&keyPath, "key", "", "Owner private key file (public key is derived)")
	cmd.Flags().StringVar(&file, "file", "-", "Payload file, - for stdin")
	return cmd
}

func ownerPublic(pubPath, keyPath string) (models.PublicKey, error) {
	if pubPath != "" {
		return readPublicKey(pubPath)
	}
	priv, err := readPrivateKey(keyPath)
	if err != nil {
		return nil, fmt.Errorf("--owner or --key is required: %w", err)
	}
	return crypto.PublicOf(priv)
}

func (a *app) historyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "history <locator>",
		Short: "List every record sealed under a locator, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *share.Service, _ storage.Store) error {
				recs, err := svc.History(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(recs))
				for _, rec := range recs {
					rows = append(rows, []string{rec.ID.String(), rec.OwnerPublicKey.Short(), formatTime(rec.CreatedAt)})
				}
				printRows(cmd.OutOrStdout(), a.format, []string{"RECORD", "OWNER", "CREATED"}, rows, recs)
				return nil
			})
		},
	}
}

// --- shares ---

func (a *app) shareCmd() *cobra.Command {
	var keyPath, toPath, file, recordID, locator string
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "share",
		Short: "Share a record with a recipient under a time-bounded capability",
		Long: "Share a new payload (--file), an already sealed record (--record) or, with\n" +
			"neither, the newest record under --locator.\n" +
			"The owner's private key is used to re-wrap the content key and is not stored.",
		RunE: func(cmd *cobra.Command, args []string) error {
			ownerPriv, err := readPrivateKey(keyPath)
			if err != nil {
				return err
			}
			recipient, err := readPublicKey(toPath)
			if err != nil {
				return err
			}
			req := share.Request{
				Locator:         locator,
				OwnerPrivate:    ownerPriv,
				RecipientPublic: recipient,
				TTL:             ttl,
			}
			if req.TTL == 0 {
				req.TTL = a.cfg.DefaultTTL
			}
			if recordID != "" {
				id, err := uuid.Parse(recordID)
				if err != nil {
					return fmt.Errorf("invalid record id: %w", err)
				}
				req.RecordID = id
			} else if cmd.Flags().Changed("file") {
				req.Plaintext, err = readInput(file, cmd.InOrStdin())
				if err != nil {
					return err
				}
				defer crypto.Zero(req.Plaintext)
			}
			return a.withService(cmd.Context(), func(svc *share.Service, _ storage.Store) error {
				sr, err := svc.CreateShare(cmd.Context(), req)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), a.format, map[string]any{
					"share_id":      sr.ID.String(),
					"capability_id": sr.CapabilityID.String(),
					"record_id":     sr.RecordID.String(),
					"recipient":     sr.RecipientPublicKey.Short(),
					"expires_at":    sr.Capability.ExpiresAt,
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "Owner private key file")
	cmd.Flags().StringVar(&toPath, "to", "", "Recipient public key file")
	cmd.Flags().StringVar(&locator, "locator", "", "Record locator")
	cmd.Flags().StringVar(&file, "file", "", "Payload file, - for stdin")
	cmd.Flags().StringVar(&recordID, "record", "", "Existing record id to share instead of a new payload")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "Capability lifetime, 1h to 8760h (default from config)")
	cmd.MarkFlagRequired("key")     //nolint:errcheck
	cmd.MarkFlagRequired("to")      //nolint:errcheck
	cmd.MarkFlagRequired("locator") //nolint:errcheck
	cmd.MarkFlagsMutuallyExclusive("file", "record")
	return cmd
}

func (a *app) accessCmd() *cobra.Command {
	var keyPath, out string
	cmd := &cobra.Command{
		Use:   "access <share-id>",
		Short: "Decrypt a share with the recipient's private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid share id: %w", err)
			}
			priv, err := readPrivateKey(keyPath)
			if err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(svc *share.Service, _ storage.Store) error {
				plaintext, err := svc.AccessShare(cmd.Context(), id, priv)
				if err != nil {
					return err
				}
				defer crypto.Zero(plaintext)
				if out == "" || out == "-" {
					_, err = cmd.OutOrStdout().Write(plaintext)
					return err
				}
				return os.WriteFile(out, plaintext, 0600)
			})
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "Recipient private key file")
	cmd.Flags().StringVar(&out, "out", "-", "Write plaintext to this file, - for stdout")
	cmd.MarkFlagRequired("key") //nolint:errcheck
	return cmd
}

func (a *app) revokeCmd() *cobra.Command {
	var keyPath string
	var byCapability bool
	cmd := &cobra.Command{
		Use:   "revoke <share-id>",
		Short: "Revoke a share's capability; takes effect on the next access",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid id: %w", err)
			}
			priv, err := readPrivateKey(keyPath)
			if err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(svc *share.Service, _ storage.Store) error {
				if byCapability {
					err = svc.Revoke(cmd.Context(), id, priv)
				} else {
					err = svc.RevokeShare(cmd.Context(), id, priv)
				}
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Success! Revoked", id)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "Owner private key file")
	cmd.Flags().BoolVar(&byCapability, "capability", false, "Treat the id as a capability id")
	cmd.MarkFlagRequired("key") //nolint:errcheck
	return cmd
}

func (a *app) revokeAllCmd() *cobra.Command {
	var keyPath string
	cmd := &cobra.Command{
		Use:   "revoke-all <locator>",
		Short: "Revoke every capability the owner issued under a locator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, err := readPrivateKey(keyPath)
			if err != nil {
				return err
			}
			return a.withService(cmd.Context(), func(svc *share.Service, _ storage.Store) error {
				n, err := svc.RevokeAllShares(cmd.Context(), args[0], priv)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), a.format, map[string]any{
					"locator": args[0],
					"revoked": n,
				})
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&keyPath, "key", "", "Owner private key file")
	cmd.MarkFlagRequired("key") //nolint:errcheck
	return cmd
}

func (a *app) checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <capability-id>",
		Short: "Report whether a capability is usable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid capability id: %w", err)
			}
			return a.withService(cmd.Context(), func(svc *share.Service, _ storage.Store) error {
				c, err := svc.Registry().Get(cmd.Context(), id)
				if err != nil {
					return err
				}
				v := svc.Registry().CheckValidity(c)
				result := map[string]any{
					"capability_id": id.String(),
					"valid":         v.Valid,
					"expires_at":    c.ExpiresAt,
					"revoked":       c.Revoked,
				}
				if !v.Valid {
					result["reason"] = string(v.Reason)
				}
				printResult(cmd.OutOrStdout(), a.format, result)
				return nil
			})
		},
	}
}

func (a *app) listCmd() *cobra.Command {
	var activeOnly bool
	cmd := &cobra.Command{
		Use:   "list <locator>",
		Short: "List shares under a locator",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withService(cmd.Context(), func(svc *share.Service, _ storage.Store) error {
				shares, err := svc.ListShares(cmd.Context(), args[0], activeOnly)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(shares))
				for _, sr := range shares {
					rows = append(rows, []string{
						sr.ID.String(),
						sr.RecipientPublicKey.Short(),
						formatTime(sr.Capability.ExpiresAt),
						strconv.FormatBool(sr.Active),
					})
				}
				printRows(cmd.OutOrStdout(), a.format, []string{"SHARE", "RECIPIENT", "EXPIRES", "ACTIVE"}, rows, shares)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&activeOnly, "active", false, "Only list shares that can still be accessed")
	return cmd
}

func (a *app) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <share-id>",
		Short: "Show a share and whether it is still active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid share id: %w", err)
			}
			return a.withService(cmd.Context(), func(svc *share.Service, _ storage.Store) error {
				sr, err := svc.GetShare(cmd.Context(), id)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), a.format, map[string]any{
					"share_id":      sr.ID.String(),
					"locator":       sr.Locator,
					"capability_id": sr.CapabilityID.String(),
					"owner":         sr.OwnerPublicKey.Short(),
					"recipient":     sr.RecipientPublicKey.Short(),
					"created_at":    sr.CreatedAt,
					"expires_at":    sr.Capability.ExpiresAt,
					"revoked":       sr.Capability.Revoked,
					"active":        sr.Active,
				})
				return nil
			})
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats [locator]",
		Short: "Summarize capabilities under a locator, or all of them",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var locator string
			if len(args) == 1 {
				locator = args[0]
			}
			return a.withService(cmd.Context(), func(svc *share.Service, _ storage.Store) error {
				st, err := svc.Stats(cmd.Context(), locator)
				if err != nil {
					return err
				}
				printResult(cmd.OutOrStdout(), a.format, map[string]any{
					"total":                    st.Total,
					"active":                   st.Active,
					"revoked":                  st.Revoked,
					"expired":                  st.Expired,
					"average_expiration_hours": st.AverageExpirationHours,
				})
				return nil
			})
		},
	}
}

func (a *app) auditCmd() *cobra.Command {
	var capID, kind string
	var limit int
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Query the audit trail",
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := storage.AuditFilter{Kind: kind, Limit: limit}
			if capID != "" {
				id, err := uuid.Parse(capID)
				if err != nil {
					return fmt.Errorf("invalid capability id: %w", err)
				}
				filter.CapabilityID = &id
			}
			return a.withService(cmd.Context(), func(_ *share.Service, store storage.Store) error {
				events, err := store.ListAuditEvents(cmd.Context(), filter)
				if err != nil {
					return err
				}
				rows := make([][]string, 0, len(events))
				for _, ev := range events {
					rows = append(rows, []string{formatTime(ev.Timestamp), ev.Kind, ev.CapabilityID.String(), ev.ActorPublicKey.Short()})
				}
				printRows(cmd.OutOrStdout(), a.format, []string{"TIME", "KIND", "CAPABILITY", "ACTOR"}, rows, events)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&capID, "capability", "", "Only events for this capability id")
	cmd.Flags().StringVar(&kind, "kind", "", "Only events of this kind, e.g. share.accessed")
	cmd.Flags().IntVar(&limit, "limit", 100, "Maximum number of events")
	return cmd
}

// --- remote ---

func (a *app) remoteCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{Use: "remote", Short: "Query a running ops server"}
	cmd.PersistentFlags().StringVar(&addr, "addr", "http://127.0.0.1:8300", "Server address (SHARE_ADDR overrides)")

	get := func(path string) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			p := path
			if len(args) == 1 {
				p = fmt.Sprintf(path, args[0])
			}
			result, err := newClient(addr).get(p)
			if err != nil {
				return err
			}
			if d, ok := result["data"].(map[string]any); ok {
				result = d
			}
			printResult(cmd.OutOrStdout(), a.format, result)
			return nil
		}
	}

	cmd.AddCommand(
		&cobra.Command{Use: "health", Short: "Server and storage health", Args: cobra.NoArgs, RunE: get("/v1/sys/health")},
		&cobra.Command{Use: "validity <capability-id>", Short: "Capability validity", Args: cobra.ExactArgs(1), RunE: get("/v1/capabilities/%s/validity")},
		&cobra.Command{Use: "stats", Short: "Capability stats across all locators", Args: cobra.NoArgs, RunE: get("/v1/sys/stats")},
	)
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"masond/pkg/keys"
	"masond/services/hub/client"
	"masond/services/hub/scheduler"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "masonctl",
		Short:         "Utility for administering a masond build farm",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(newKeygenCommand())
	cmd.AddCommand(newAuthenticateCommand())
	cmd.AddCommand(newEndpointsCommand())
	cmd.AddCommand(newRestoreCommand())
	cmd.AddCommand(newPendingCommand())
	cmd.AddCommand(newTasksCommand())
	cmd.AddCommand(newAuditCommand())
	cmd.AddCommand(newLeaveCommand())
	return cmd
}

func newLeaveCommand() *cobra.Command {
	var hub string

	cmd := &cobra.Command{
		Use:   "leave",
		Short: "Withdraw the calling account's endpoint from the farm",
		RunE: func(cmd *cobra.Command, args []string) error {
			bearer, err := bearerFromEnv()
			if err != nil {
				return err
			}
			return client.New().Leave(commandContext(cmd), hub, bearer)
		},
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Base URL of the hub")
	_ = cmd.MarkFlagRequired("hub")
	return cmd
}

func newAuditCommand() *cobra.Command {
	var (
		hub   string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Show the hub's recent trust decisions",
		RunE: func(cmd *cobra.Command, args []string) error {
			bearer, err := bearerFromEnv()
			if err != nil {
				return err
			}
			entries, err := client.New().Audit(commandContext(cmd), hub, bearer, limit)
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		},
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Base URL of the hub")
	cmd.Flags().IntVar(&limit, "limit", 0, "Maximum entries to return")
	_ = cmd.MarkFlagRequired("hub")
	return cmd
}

func newKeygenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a new signing key pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := keys.Generate()
			if err != nil {
				return err
			}
			secret, err := kp.EncodeSecretKey()
			if err != nil {
				return err
			}
			recipient, err := kp.Recipient()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "secret key: %s\n", secret)
			fmt.Fprintf(cmd.OutOrStdout(), "public key: %s\n", kp.PublicKey().Encode())
			fmt.Fprintf(cmd.OutOrStdout(), "age recipient: %s\n", recipient)
			return nil
		},
	}
}

func newAuthenticateCommand() *cobra.Command {
	var (
		hub      string
		username string
	)

	cmd := &cobra.Command{
		Use:   "authenticate",
		Short: "Prove key ownership and print a fresh token pair",
		RunE: func(cmd *cobra.Command, args []string) error {
			kp, err := keyPairFromEnv()
			if err != nil {
				return err
			}
			pair, err := client.Authenticate(commandContext(cmd), hub, username, kp)
			if err != nil {
				return err
			}
			return printJSON(cmd, pair)
		},
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Base URL of the hub (e.g. https://hub.example.com)")
	cmd.Flags().StringVar(&username, "username", "", "Account username")
	_ = cmd.MarkFlagRequired("hub")
	_ = cmd.MarkFlagRequired("username")
	return cmd
}

func newEndpointsCommand() *cobra.Command {
	var hub string

	cmd := &cobra.Command{
		Use:   "endpoints",
		Short: "List the endpoints enrolled with the hub",
		RunE: func(cmd *cobra.Command, args []string) error {
			bearer, err := bearerFromEnv()
			if err != nil {
				return err
			}
			endpoints, err := client.New().Endpoints(commandContext(cmd), hub, bearer)
			if err != nil {
				return err
			}
			return printJSON(cmd, endpoints)
		},
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Base URL of the hub")
	_ = cmd.MarkFlagRequired("hub")
	return cmd
}

func newRestoreCommand() *cobra.Command {
	var hub string

	cmd := &cobra.Command{
		Use:   "restore <endpoint-id>",
		Short: "Return a demoted endpoint to operational service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("malformed endpoint id %q", args[0])
			}
			bearer, err := bearerFromEnv()
			if err != nil {
				return err
			}
			return client.New().Restore(commandContext(cmd), hub, bearer, id)
		},
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Base URL of the hub")
	_ = cmd.MarkFlagRequired("hub")
	return cmd
}

func newPendingCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "Review and decide pending enrollments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newPendingListCommand())
	cmd.AddCommand(newPendingDecisionCommand("accept", "Approve a pending enrollment",
		func(ctx context.Context, c *client.Client, hub, bearer string, id uuid.UUID) error {
			return c.AcceptPending(ctx, hub, bearer, id)
		}))
	cmd.AddCommand(newPendingDecisionCommand("decline", "Refuse a pending enrollment",
		func(ctx context.Context, c *client.Client, hub, bearer string, id uuid.UUID) error {
			return c.DeclinePending(ctx, hub, bearer, id)
		}))
	return cmd
}

func newPendingListCommand() *cobra.Command {
	var hub string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List enrollments awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			bearer, err := bearerFromEnv()
			if err != nil {
				return err
			}
			pending, err := client.New().Pending(commandContext(cmd), hub, bearer)
			if err != nil {
				return err
			}
			return printJSON(cmd, pending)
		},
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Base URL of the hub")
	_ = cmd.MarkFlagRequired("hub")
	return cmd
}

func newPendingDecisionCommand(use, short string, decide func(context.Context, *client.Client, string, string, uuid.UUID) error) *cobra.Command {
	var hub string

	cmd := &cobra.Command{
		Use:   use + " <endpoint-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("malformed endpoint id %q", args[0])
			}
			bearer, err := bearerFromEnv()
			if err != nil {
				return err
			}
			return decide(commandContext(cmd), client.New(), hub, bearer, id)
		},
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Base URL of the hub")
	_ = cmd.MarkFlagRequired("hub")
	return cmd
}

func newTasksCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and submit build tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newTasksListCommand())
	cmd.AddCommand(newTasksEnqueueCommand())
	return cmd
}

func newTasksListCommand() *cobra.Command {
	var (
		hub    string
		status string
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List build tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			bearer, err := bearerFromEnv()
			if err != nil {
				return err
			}
			tasks, err := client.New().Tasks(commandContext(cmd), hub, bearer, status)
			if err != nil {
				return err
			}
			return printJSON(cmd, tasks)
		},
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Base URL of the hub")
	cmd.Flags().StringVar(&status, "status", "", "Filter by task status")
	_ = cmd.MarkFlagRequired("hub")
	return cmd
}

func newTasksEnqueueCommand() *cobra.Command {
	var (
		hub          string
		projectID    int64
		profileID    int64
		repositoryID int64
		packageID    string
		arch         string
		description  string
		commitRef    string
		sourcePath   string
		blockers     []string
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a new build task",
		RunE: func(cmd *cobra.Command, args []string) error {
			bearer, err := bearerFromEnv()
			if err != nil {
				return err
			}
			task, err := client.New().Enqueue(commandContext(cmd), hub, bearer, scheduler.EnqueueParams{
				ProjectID:    projectID,
				ProfileID:    profileID,
				RepositoryID: repositoryID,
				PackageID:    packageID,
				Arch:         arch,
				Description:  description,
				CommitRef:    commitRef,
				SourcePath:   sourcePath,
				Blockers:     blockers,
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, task)
		},
	}

	cmd.Flags().StringVar(&hub, "hub", "", "Base URL of the hub")
	cmd.Flags().Int64Var(&projectID, "project", 0, "Project id")
	cmd.Flags().Int64Var(&profileID, "profile", 0, "Profile id")
	cmd.Flags().Int64Var(&repositoryID, "repository", 0, "Repository id")
	cmd.Flags().StringVar(&packageID, "package", "", "Package identifier")
	cmd.Flags().StringVar(&arch, "arch", "", "Target architecture")
	cmd.Flags().StringVar(&description, "description", "", "Optional human description")
	cmd.Flags().StringVar(&commitRef, "commit", "", "Source commit ref")
	cmd.Flags().StringVar(&sourcePath, "source-path", "", "Path to the package sources within the repository")
	cmd.Flags().StringSliceVar(&blockers, "blocker", nil, "Blocker identity this task waits on (repeatable)")
	_ = cmd.MarkFlagRequired("hub")
	_ = cmd.MarkFlagRequired("package")
	_ = cmd.MarkFlagRequired("arch")
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func keyPairFromEnv() (keys.KeyPair, error) {
	raw := strings.TrimSpace(os.Getenv("MASON_SECRET_KEY"))
	if raw == "" {
		return keys.KeyPair{}, fmt.Errorf("MASON_SECRET_KEY is not set")
	}
	return keys.ParseSecretKey(raw)
}

func bearerFromEnv() (string, error) {
	token := strings.TrimSpace(os.Getenv("MASON_API_TOKEN"))
	if token == "" {
		return "", fmt.Errorf("MASON_API_TOKEN is not set")
	}
	return token, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"gatekeep.dev/internal/auth"
	"gatekeep.dev/internal/authflow"
	"gatekeep.dev/internal/authstate"
	"gatekeep.dev/internal/config"
	"gatekeep.dev/internal/edge"
	"gatekeep.dev/internal/gateway"
	"gatekeep.dev/internal/guard"
	"gatekeep.dev/internal/obs"
	"gatekeep.dev/internal/provider"
	"gatekeep.dev/internal/provider/gotrue"
	"gatekeep.dev/internal/store/pg"
)

var (
	version = "dev"

	sessionPath string
	envFile     string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "authctl",
		Short: "Sign in and inspect auth state from the terminal",
		Long: `authctl drives the same sign-in, profile and password flows as the
web client against the configured identity provider. The session is kept
in a file so consecutive commands share it.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&sessionPath, "session", "", "session file (default $GATEKEEP_SESSION_FILE or ~/.gatekeep/session.json)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env", ".env", "optional env file")

	rootCmd.AddCommand(
		signInCmd(),
		signUpCmd(),
		signOutCmd(),
		whoamiCmd(),
		profileCmd(),
		passwordCmd(),
		forgotCmd(),
		resetCmd(),
		canCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "authctl: %v\n", err)
		os.Exit(1)
	}
}

// session is one command's view of the client side: the gateway bound to the
// session file, the store tracking it, and the flows on top.
type session struct {
	cfg     *config.Config
	client  provider.Identity
	gateway *gateway.Gateway
	store   *authstate.Store
	flows   *authflow.Flows
	closers []func()
}

func open(ctx context.Context) (*session, error) {
	obs.SetLevel("warn")
	cfg, err := config.LoadFile(envFile)
	if err != nil {
		return nil, err
	}
	path, err := resolveSessionPath(cfg)
	if err != nil {
		return nil, err
	}

	s := &session{cfg: cfg}
	var backend provider.Backend
	switch cfg.Provider {
	case config.ProviderMemory:
		fmt.Fprintln(os.Stderr, "warning: the memory provider forgets accounts when authctl exits")
		backend, err = provider.NewMemoryBackend(cfg.JWTSecret)
	default:
		backend, err = gotrue.New(cfg.ProviderURL, cfg.ProviderKey)
	}
	if err != nil {
		return nil, err
	}

	var records provider.Records = provider.NewMemoryRecords()
	if cfg.PGDSN != "" {
		store, err := pg.Open(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() { _ = store.Close() })
		records = store
	}

	s.client = backend.Client(provider.NewFileStorage(path))
	s.gateway = gateway.New(s.client, records, gateway.WithSiteURL(cfg.SiteURL))
	s.store = authstate.New(s.gateway)
	s.closers = append(s.closers, s.store.Close)
	s.flows = authflow.New(s.gateway, s.store, authflow.NewWriterNotifier(os.Stdout))

	if err := s.store.Initialize(ctx); err != nil {
		s.close()
		return nil, err
	}
	return s, nil
}

func (s *session) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		s.closers[i]()
	}
}

func resolveSessionPath(cfg *config.Config) (string, error) {
	if sessionPath != "" {
		return sessionPath, nil
	}
	if cfg.SessionFile != "" {
		return cfg.SessionFile, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("locate session file: %w", err)
	}
	dir := filepath.Join(home, ".gatekeep")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}

// withSession opens a session for the duration of fn.
func withSession(fn func(cmd *cobra.Command, s *session, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		s, err := open(cmd.Context())
		if err != nil {
			return err
		}
		defer s.close()
		return fn(cmd, s, args)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func signInCmd() *cobra.Command {
	var in auth.SignInInput
	var redirect string
	cmd := &cobra.Command{
		Use:   "signin",
		Short: "Sign in with email and password",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			next, err := s.flows.SignIn(cmd.Context(), in, redirect)
			if err != nil {
				return err
			}
			fmt.Println("next:", next)
			return nil
		}),
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "account email")
	cmd.Flags().StringVar(&in.Password, "password", os.Getenv("GATEKEEP_PASSWORD"), "password (default $GATEKEEP_PASSWORD)")
	cmd.Flags().StringVar(&redirect, "redirect", "", "page to continue to")
	return cmd
}

func signUpCmd() *cobra.Command {
	var in auth.SignUpInput
	cmd := &cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			next, err := s.flows.SignUp(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Println("next:", next)
			return nil
		}),
	}
	cmd.Flags().StringVar(&in.Email, "email", "", "account email")
	cmd.Flags().StringVar(&in.Password, "password", os.Getenv("GATEKEEP_PASSWORD"), "password (default $GATEKEEP_PASSWORD)")
	cmd.Flags().StringVar(&in.FullName, "name", "", "full name")
	return cmd
}

func signOutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "signout",
		Short: "Sign out and forget the stored session",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			_, err := s.flows.SignOut(cmd.Context())
			return err
		}),
	}
}

func whoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Print the signed-in user, profile and organization",
		Args:  cobra.NoArgs,
		RunE: withSession(func(_ *cobra.Command, s *session, _ []string) error {
			st := s.store.State()
			return printJSON(map[string]any{
				"user":            st.User,
				"profile":         st.Profile,
				"organization":    st.Organization,
				"isAuthenticated": st.IsAuthenticated,
				"isOwner":         s.store.IsOwner(),
				"isAdmin":         s.store.IsAdmin(),
				"isMember":        s.store.IsMember(),
			})
		}),
	}
}

func profileCmd() *cobra.Command {
	var update auth.ProfileUpdate
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Update the signed-in user's profile",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			current := s.store.State().Profile
			if current != nil {
				if update.FullName == "" {
					update.FullName = current.FullName
				}
				if update.Email == "" {
					update.Email = current.Email
				}
			}
			profile, err := s.flows.UpdateProfile(cmd.Context(), update)
			if err != nil {
				return err
			}
			return printJSON(profile)
		}),
	}
	cmd.Flags().StringVar(&update.FullName, "name", "", "full name")
	cmd.Flags().StringVar(&update.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&update.AvatarURL, "avatar", "", "avatar URL")
	return cmd
}

func passwordCmd() *cobra.Command {
	var in auth.ChangePasswordInput
	cmd := &cobra.Command{
		Use:   "password",
		Short: "Change the signed-in user's password",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			return s.flows.ChangePassword(cmd.Context(), in)
		}),
	}
	cmd.Flags().StringVar(&in.CurrentPassword, "current", "", "current password")
	cmd.Flags().StringVar(&in.NewPassword, "new", "", "new password")
	return cmd
}

func forgotCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "forgot <email>",
		Short: "Email a password reset link",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(cmd *cobra.Command, s *session, args []string) error {
			return s.flows.ForgotPassword(cmd.Context(), args[0])
		}),
	}
}

func resetCmd() *cobra.Command {
	var accessToken, refreshToken string
	var in auth.ResetPasswordInput
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Set a new password using the tokens from a reset link",
		Args:  cobra.NoArgs,
		RunE: withSession(func(cmd *cobra.Command, s *session, _ []string) error {
			if accessToken == "" || refreshToken == "" {
				return fmt.Errorf("--access-token and --refresh-token are required")
			}
			if _, err := s.client.InstallSessionFromTokens(cmd.Context(), accessToken, refreshToken); err != nil {
				return auth.Normalize(err)
			}
			next, err := s.flows.ResetPassword(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Println("next:", next)
			return nil
		}),
	}
	cmd.Flags().StringVar(&accessToken, "access-token", "", "access_token from the reset link")
	cmd.Flags().StringVar(&refreshToken, "refresh-token", "", "refresh_token from the reset link")
	cmd.Flags().StringVar(&in.Password, "password", os.Getenv("GATEKEEP_PASSWORD"), "new password (default $GATEKEEP_PASSWORD)")
	return cmd
}

func canCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "can <path>",
		Short: "Show what the route guard decides for a path",
		Args:  cobra.ExactArgs(1),
		RunE: withSession(func(_ *cobra.Command, s *session, args []string) error {
			path := args[0]
			decision := guard.Evaluate(s.store.State(), path, edge.RequirementsFor(path))
			return printJSON(map[string]any{
				"path":     path,
				"class":    edge.Classify(path),
				"decision": decision,
			})
		}),
	}
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/fx"

	"github.com/halcyonix/authswitch/internal/auth"
	"github.com/halcyonix/authswitch/internal/config"
	"github.com/halcyonix/authswitch/internal/logger"
)

func main() {
	Execute()
}

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "authswitch",
	Short: "Hold multiple OAuth accounts for a CLI tool and switch between them",
	Long: `authswitch signs additional accounts into an OAuth issuer via the browser-based
PKCE flow and hands the resulting credentials to the consuming CLI tool, so
switching accounts never requires re-authenticating from scratch.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Authenticate a new account via the browser",
	Long: `Login starts a local callback listener, opens the issuer's authorization page
in your browser, and exchanges the returned code for tokens. The resulting
account record is printed as JSON on stdout.`,
	RunE: runLogin,
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <refresh-token>",
	Short: "Exchange a refresh token for a new access token",
	Args:  cobra.ExactArgs(1),
	RunE:  runRefresh,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	// Place version check in PreRun to ensure flags are parsed first
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			pterm.Info.Println(config.GetVersionInfo())
			os.Exit(0)
		}
	}

	if err := rootCmd.Execute(); err != nil {
		pterm.Error.Println(err)
		os.Exit(1)
	}
}

func init() {
	config.InitFlags()
	rootCmd.PersistentFlags().AddFlagSet(pflag.CommandLine)
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Show version information")

	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(refreshCmd)
}

// buildApp assembles the application and populates the flow handle.
func buildApp(flow **auth.Flow) *fx.App {
	return fx.New(
		fx.NopLogger,
		config.Module,
		logger.Module,
		auth.Module,
		fx.Populate(flow),
	)
}

func withApp(run func(ctx context.Context, flow *auth.Flow) error) error {
	var flow *auth.Flow
	app := buildApp(&flow)

	startCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := app.Start(startCtx); err != nil {
		return err
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		_ = app.Stop(stopCtx)
		_ = logger.Sync()
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, flow)
}

func runLogin(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, flow *auth.Flow) error {
		pterm.Info.Println("Opening your browser to authenticate...")

		account, err := flow.Authenticate(ctx)
		if err != nil {
			return fmt.Errorf("authentication failed: %w", err)
		}

		pterm.Success.Printfln("Authenticated as %s (%s plan)", account.Email, account.PlanType)

		// The account record goes to stdout for whatever writes the
		// consuming tool's credential file; this command does not touch
		// that file itself.
		out, err := json.MarshalIndent(account, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	})
}

func runRefresh(cmd *cobra.Command, args []string) error {
	return withApp(func(ctx context.Context, flow *auth.Flow) error {
		tokens, err := flow.RefreshToken(ctx, args[0])
		if err != nil {
			return fmt.Errorf("token refresh failed: %w", err)
		}

		pterm.Success.Println("Access token refreshed")

		out, err := json.MarshalIndent(tokens, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	})
}

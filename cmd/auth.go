package cmd

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"imagedecloner/internal/source/remote"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage photo library credentials",
}

var authLoginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in to the photo library",
	Long: `Open the consent page in a browser and store the resulting token.

The OAuth client id and secret come from remote.client_id and
remote.client_secret in the config file. The token is written to
remote.token_path and refreshed automatically when it expires.`,
	Args: cobra.NoArgs,
	RunE: runAuthLogin,
}

var authStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether a usable token is stored",
	Args:  cobra.NoArgs,
	RunE:  runAuthStatus,
}

func init() {
	authCmd.AddCommand(authLoginCmd, authStatusCmd)
	rootCmd.AddCommand(authCmd)
}

func oauthConfig() *oauth2.Config {
	return remote.OAuthConfig(cfg.Remote.ClientID, cfg.Remote.ClientSecret)
}

func runAuthLogin(cmd *cobra.Command, args []string) error {
	if cfg.Remote.ClientID == "" {
		return fmt.Errorf("remote.client_id is not set in %s", configPath)
	}

	store := remote.NewTokenStore(cfg.Remote.TokenPath)
	tok, err := remote.Login(cmd.Context(), oauthConfig(), store, func(authURL string) {
		fmt.Println("Opening the consent page. If it does not open, visit:")
		fmt.Println()
		fmt.Println("  " + authURL)
		fmt.Println()
		go openBrowser(authURL)
	})
	if err != nil {
		return err
	}

	fmt.Printf("%s Signed in. Token saved to %s\n", color.GreenString("✓"), store.Path())
	if tok.RefreshToken == "" {
		fmt.Println(color.YellowString("No refresh token was issued; you will need to sign in again when it expires."))
	}
	return nil
}

func runAuthStatus(cmd *cobra.Command, args []string) error {
	store := remote.NewTokenStore(cfg.Remote.TokenPath)
	tok, err := store.Load()
	if errors.Is(err, os.ErrNotExist) {
		fmt.Printf("%s Not signed in (no token at %s)\n", color.RedString("✗"), store.Path())
		return nil
	}
	if err != nil {
		return err
	}

	switch {
	case tok.Valid() && tok.Expiry.IsZero():
		fmt.Printf("%s Token valid\n", color.GreenString("✓"))
	case tok.Valid():
		fmt.Printf("%s Token valid until %s\n", color.GreenString("✓"), tok.Expiry.Local().Format(time.DateTime))
	case tok.RefreshToken != "":
		fmt.Printf("%s Token expired; it will be refreshed on next use\n", color.YellowString("!"))
	default:
		fmt.Printf("%s Token expired and cannot be refreshed; run 'imagedecloner auth login'\n", color.RedString("✗"))
	}
	return nil
}

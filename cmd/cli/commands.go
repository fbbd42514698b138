package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:           "kaleo",
	Short:         "Command line client for kaleo-core",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var authCmd = &cobra.Command{Use: "auth", Short: "Sign in, sign out and manage tokens"}

var usersCmd = &cobra.Command{Use: "users", Short: "Inspect the signed-in user"}

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Create a local account and sign in",
	RunE: func(cmd *cobra.Command, args []string) error {
		body := map[string]any{
			"email":    mustFlag(cmd, "email"),
			"password": mustFlag(cmd, "password"),
		}
		if name, _ := cmd.Flags().GetString("name"); name != "" {
			body["name"] = name
		}
		return signIn(cmd, "/auth/register", body)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in with email and password",
	RunE: func(cmd *cobra.Command, args []string) error {
		return signIn(cmd, "/auth/login", map[string]string{
			"email":    mustFlag(cmd, "email"),
			"password": mustFlag(cmd, "password"),
		})
	},
}

var oauthCmd = &cobra.Command{
	Use:       "oauth <google|microsoft>",
	Short:     "Sign in with a provider-issued ID token",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{"google", "microsoft"},
	RunE: func(cmd *cobra.Command, args []string) error {
		return signIn(cmd, "/auth/oauth/"+args[0], map[string]string{"token": mustFlag(cmd, "token")})
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Exchange the stored refresh token for a new pair",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loadCredentials(configDir())
		if err != nil {
			return err
		}
		return signIn(cmd, "/auth/refresh", map[string]string{"refresh_token": creds.RefreshToken})
	},
}

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Revoke the stored refresh token and forget credentials",
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := configDir()
		creds, err := loadCredentials(dir)
		if errors.Is(err, errNotLoggedIn) {
			fmt.Fprintln(cmd.OutOrStdout(), "not logged in")
			return nil
		}
		if err != nil {
			return err
		}
		err = client().do(cmd.Context(), http.MethodPost, "/auth/logout", "", map[string]string{"refresh_token": creds.RefreshToken}, nil)
		var apiErr *apiError
		if err != nil && !(errors.As(err, &apiErr) && apiErr.Status == http.StatusUnauthorized) {
			return err
		}
		if err := removeCredentials(dir); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "logged out")
		return nil
	},
}

var whoamiCmd = &cobra.Command{
	Use:   "whoami",
	Short: "Show the signed-in user",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loadCredentials(configDir())
		if err != nil {
			return err
		}
		var me userResponse
		if err := client().do(cmd.Context(), http.MethodGet, "/users/me", creds.AccessToken, nil, &me); err != nil {
			return err
		}
		printUser(cmd, me)
		return nil
	},
}

var tenantsCmd = &cobra.Command{
	Use:   "tenants",
	Short: "List the tenants the signed-in user belongs to",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loadCredentials(configDir())
		if err != nil {
			return err
		}
		var tenants []tenantResponse
		if err := client().do(cmd.Context(), http.MethodGet, "/users/me/tenants", creds.AccessToken, nil, &tenants); err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPROVIDER\tEXTERNAL ID")
		for _, t := range tenants {
			ext := "-"
			if t.ExternalID != nil {
				ext = *t.ExternalID
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Provider, ext)
		}
		return w.Flush()
	},
}

var passwdCmd = &cobra.Command{
	Use:   "passwd",
	Short: "Change the signed-in user's password",
	RunE: func(cmd *cobra.Command, args []string) error {
		creds, err := loadCredentials(configDir())
		if err != nil {
			return err
		}
		body := map[string]string{
			"current_password": mustFlag(cmd, "current"),
			"new_password":     mustFlag(cmd, "new"),
		}
		if err := client().do(cmd.Context(), http.MethodPost, "/users/me/password", creds.AccessToken, body, nil); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "password changed")
		return nil
	},
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().String("api-url", "http://localhost:8080", "kaleo-core base URL")
	rootCmd.PersistentFlags().String("config-dir", "", "directory holding credentials (default ~/.kaleo)")
	viper.BindPFlag("api_url", rootCmd.PersistentFlags().Lookup("api-url"))
	viper.BindPFlag("config_dir", rootCmd.PersistentFlags().Lookup("config-dir"))

	for _, c := range []*cobra.Command{registerCmd, loginCmd} {
		c.Flags().String("email", "", "account email")
		c.Flags().String("password", "", "account password")
		c.MarkFlagRequired("email")
		c.MarkFlagRequired("password")
	}
	registerCmd.Flags().String("name", "", "display name")
	oauthCmd.Flags().String("token", "", "ID token issued by the provider")
	oauthCmd.MarkFlagRequired("token")
	passwdCmd.Flags().String("current", "", "current password")
	passwdCmd.Flags().String("new", "", "new password")
	passwdCmd.MarkFlagRequired("current")
	passwdCmd.MarkFlagRequired("new")

	authCmd.AddCommand(registerCmd, loginCmd, oauthCmd, refreshCmd, logoutCmd, whoamiCmd)
	usersCmd.AddCommand(tenantsCmd, passwdCmd)
	rootCmd.AddCommand(authCmd, usersCmd)
}

func initConfig() {
	viper.SetEnvPrefix("KALEO")
	viper.AutomaticEnv()
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir())
	if err := viper.ReadInConfig(); err == nil {
		fmt.Fprintf(os.Stderr, "Using config file: %s\n", viper.ConfigFileUsed())
	}
}

func configDir() string {
	if dir := viper.GetString("config_dir"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".kaleo"
	}
	return filepath.Join(home, ".kaleo")
}

func client() *apiClient {
	return newAPIClient(viper.GetString("api_url"))
}

func mustFlag(cmd *cobra.Command, name string) string {
	v, _ := cmd.Flags().GetString(name)
	return v
}

// signIn posts body to a token-issuing endpoint and stores the result.
func signIn(cmd *cobra.Command, path string, body any) error {
	var tr tokenResponse
	if err := client().do(cmd.Context(), http.MethodPost, path, "", body, &tr); err != nil {
		return err
	}
	if err := saveCredentials(configDir(), &tr, viper.GetString("api_url")); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	printUser(cmd, tr.User)
	return nil
}

func printUser(cmd *cobra.Command, u userResponse) {
	name := "-"
	if u.Name != nil {
		name = *u.Name
	}
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "ID\t%s\nEmail\t%s\nName\t%s\nProvider\t%s\n", u.ID, u.Email, name, u.AuthProvider)
	w.Flush()
}

package cli

import (
	"fmt"
	"time"

	"github.com/harun/vocera/internal/config"
	"github.com/spf13/cobra"
)

var (
	credAccessKeyID     string
	credSecretAccessKey string
	credSessionToken    string
	credTTL             time.Duration
)

var credentialsCmd = &cobra.Command{
	Use:   "credentials",
	Short: "Manage the stored credential session",
}

var credentialsStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show whether the stored credential session is valid",
	RunE:  runCredentialsStatus,
}

var credentialsSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store a credential session",
	Long: `Store a credential session in the configuration file.
Initialization tools are gated on a valid, unexpired session; once it
expires they are skipped until the session is renewed.`,
	RunE: runCredentialsSet,
}

var credentialsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Remove the stored credential session",
	RunE:  runCredentialsClear,
}

func init() {
	credentialsSetCmd.Flags().StringVar(&credAccessKeyID, "access-key-id", "", "access key id")
	credentialsSetCmd.Flags().StringVar(&credSecretAccessKey, "secret-access-key", "", "secret access key")
	credentialsSetCmd.Flags().StringVar(&credSessionToken, "session-token", "", "session token")
	credentialsSetCmd.Flags().DurationVar(&credTTL, "ttl", time.Hour, "how long the session stays valid")
	credentialsSetCmd.MarkFlagRequired("access-key-id")
	credentialsSetCmd.MarkFlagRequired("secret-access-key")

	credentialsCmd.AddCommand(credentialsStatusCmd)
	credentialsCmd.AddCommand(credentialsSetCmd)
	credentialsCmd.AddCommand(credentialsClearCmd)
	rootCmd.AddCommand(credentialsCmd)
}

func runCredentialsStatus(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	creds := cfg.Credentials
	if creds.AccessKeyID == "" {
		cmd.Println("No credential session stored.")
		return nil
	}

	if creds.Valid() {
		remaining := time.Until(creds.Expiration).Round(time.Second)
		cmd.Printf("Credential session valid, expires in %s\n", remaining)
		return nil
	}

	cmd.Println("Credential session expired.")
	return nil
}

func runCredentialsSet(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg.Credentials = config.CredentialsConfig{
		AccessKeyID:     credAccessKeyID,
		SecretAccessKey: credSecretAccessKey,
		SessionToken:    credSessionToken,
		Expiration:      time.Now().Add(credTTL),
	}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Printf("Credential session stored, valid for %s\n", credTTL)
	return nil
}

func runCredentialsClear(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	cfg.Credentials = config.CredentialsConfig{}

	if err := loader.Save(cfg); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}

	cmd.Println("Credential session cleared.")
	return nil
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lattiq/bulkmail/internal/credentials"
)

// NewAuthCommand returns the one-time Gmail refresh token bootstrap.
func NewAuthCommand() *cobra.Command {
	var (
		credentialsPath string
		tokenPath       string
	)

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Obtain a Gmail refresh token for the gmail transport",
		Long: `Runs the OAuth installed-application flow once. Download the OAuth client
secrets of a Desktop app from the Google Cloud console, open the printed link,
grant access and paste the code back. The refresh token is written to the token
file; export it as GOOGLE_REFRESH_TOKEN.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := getRuntime(cmd)
			if err != nil {
				return err
			}

			if _, err := credentials.Bootstrap(cmd.Context(), rt.in, rt.out, credentialsPath, tokenPath); err != nil {
				return err
			}
			fmt.Fprintln(rt.out, "Set GOOGLE_REFRESH_TOKEN in .env.local to use it.")
			return nil
		},
	}

	cmd.Flags().StringVar(&credentialsPath, "credentials", "credentials.json", "OAuth client secrets file")
	cmd.Flags().StringVar(&tokenPath, "token", "token.json", "Where to write the token")

	return cmd
}

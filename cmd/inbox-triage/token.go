package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"inbox-triage/internal/model"
	"inbox-triage/internal/source"
)

// tokenCmd walks through the Gmail OAuth consent flow and prints a secret
// payload ready to store in any configured backend.
func tokenCmd() *cobra.Command {
	var clientID, clientSecret, redirect string

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Obtain a Gmail refresh token for an account",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if clientID == "" {
				clientID = os.Getenv("GMAIL_CLIENT_ID")
			}
			if clientSecret == "" {
				clientSecret = os.Getenv("GMAIL_CLIENT_SECRET")
			}
			creds := model.Credentials{Values: map[string]string{
				"client_id":     clientID,
				"client_secret": clientSecret,
				"redirect_uri":  redirect,
			}}
			oc, err := source.OAuthConfig(creds)
			if err != nil {
				return fmt.Errorf("set --client-id/--client-secret or GMAIL_CLIENT_ID/GMAIL_CLIENT_SECRET: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Go to the following link in your browser: %v\n", oc.AuthCodeURL("state-token", oauth2.AccessTypeOffline))
			fmt.Fprintln(out, "\nAfter authorization, you'll be redirected to a URL. Copy the 'code' parameter from that URL.")
			fmt.Fprint(out, "\nEnter the authorization code: ")

			var code string
			if _, err := fmt.Fscan(cmd.InOrStdin(), &code); err != nil {
				return fmt.Errorf("failed to read authorization code: %w", err)
			}

			tok, err := oc.Exchange(cmd.Context(), code)
			if err != nil {
				return fmt.Errorf("unable to retrieve token from web: %w", err)
			}
			if tok.RefreshToken == "" {
				return fmt.Errorf("no refresh token returned; revoke the app's access and try again")
			}

			creds.Values["refresh_token"] = tok.RefreshToken
			payload, err := json.MarshalIndent(creds.Values, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "\nStore this as the account's secret:\n%s\n", payload)
			return nil
		},
	}

	cmd.Flags().StringVar(&clientID, "client-id", "", "OAuth client ID")
	cmd.Flags().StringVar(&clientSecret, "client-secret", "", "OAuth client secret")
	cmd.Flags().StringVar(&redirect, "redirect-uri", "http://localhost:8080/callback", "OAuth redirect URI")
	return cmd
}

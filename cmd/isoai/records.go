package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/isoai/isoai-client/internal/log"
	"github.com/isoai/isoai-client/pkg/api"
)

var (
	loginUser     string
	loginPassword string
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Query the records API",
}

var detectionsCmd = &cobra.Command{
	Use:   "detections",
	Short: "List recent detections",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(func(c *api.Client) (json.RawMessage, error) {
			return c.Detections(cmd.Context())
		})
	},
}

var personnelCmd = &cobra.Command{
	Use:   "personnel [id]",
	Short: "List personnel, or show one record",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(func(c *api.Client) (json.RawMessage, error) {
			if len(args) == 1 {
				return c.Person(cmd.Context(), args[0])
			}
			return c.Personnel(cmd.Context())
		})
	},
}

var recogCmd = &cobra.Command{
	Use:   "recog",
	Short: "List recognition events",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(func(c *api.Client) (json.RawMessage, error) {
			return c.Recognitions(cmd.Context())
		})
	},
}

var transcriptsCmd = &cobra.Command{
	Use:   "transcripts [id]",
	Short: "List transcriptions, or show one",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withAPI(func(c *api.Client) (json.RawMessage, error) {
			if len(args) == 1 {
				return c.Transcription(cmd.Context(), args[0])
			}
			return c.Transcriptions(cmd.Context())
		})
	},
}

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Log in and print the access token",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if loginPassword == "" {
			loginPassword = os.Getenv("ISOAI_API_PASSWORD")
		}
		return withAPI(func(c *api.Client) (json.RawMessage, error) {
			resp, err := c.Login(cmd.Context(), api.Credentials{Username: loginUser, Password: loginPassword})
			if err != nil {
				return nil, err
			}
			if resp.Token == "" {
				return nil, errors.New("login succeeded but no token was returned")
			}
			fmt.Fprintf(os.Stderr, "export ISOAI_API_TOKEN=%s\n", resp.Token)
			return resp.Raw, nil
		})
	},
}

func init() {
	loginCmd.Flags().StringVarP(&loginUser, "username", "u", "", "user name")
	loginCmd.Flags().StringVarP(&loginPassword, "password", "p", "", "password (default from ISOAI_API_PASSWORD)")
	loginCmd.MarkFlagRequired("username")

	apiCmd.AddCommand(detectionsCmd, personnelCmd, recogCmd, transcriptsCmd, loginCmd)
	rootCmd.AddCommand(apiCmd)
}

// withAPI runs one call and pretty-prints its JSON reply.
func withAPI(call func(*api.Client) (json.RawMessage, error)) error {
	c, err := apiClient(cfg, log.Component("api"))
	if err != nil {
		return err
	}
	raw, err := call(c)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		return nil
	}

	var out bytes.Buffer
	if err := json.Indent(&out, raw, "", "  "); err != nil {
		os.Stdout.Write(raw)
		fmt.Fprintln(os.Stdout)
		return nil
	}
	out.WriteByte('\n')
	_, err = out.WriteTo(os.Stdout)
	return err
}

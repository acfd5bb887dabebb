package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"runtime"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/kyxap1/geoecho/internal/geodb"
	"github.com/kyxap1/geoecho/internal/types"
)

// newOfflineStore opens a store for maintenance commands, without cache or metrics
func newOfflineStore() *geodb.Store {
	return geodb.NewStore(cfg.DBPath, nil, nil, logger)
}

func newUpdateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Update GeoLite2 databases",
		Long:  `Download, verify and install fresh GeoLite2 City and ASN databases from MaxMind.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cfg.MaxMindLicense == "" {
				return geodb.ErrLicenseRequired
			}

			store := newOfflineStore()
			defer store.Close()
			return store.Update(cmd.Context(), cfg.MaxMindLicense)
		},
	}
}

// printStatus renders a status report for every edition
func printStatus(w io.Writer, status map[string]geodb.EditionStatus) {
	editions := make([]string, 0, len(status))
	for edition := range status {
		editions = append(editions, edition)
	}
	sort.Strings(editions)

	fmt.Fprintln(w, "Database Status:")
	fmt.Fprintln(w, "================")

	for _, edition := range editions {
		st := status[edition]
		fmt.Fprintf(w, "\n%s:\n", edition)

		if !st.Exists {
			fmt.Fprintf(w, "  Status: Not Available\n")
			continue
		}

		fmt.Fprintf(w, "  Status: Available\n")
		fmt.Fprintf(w, "  Size: %d bytes\n", st.Size)
		fmt.Fprintf(w, "  Modified: %s\n", st.Modified.Format("2006-01-02 15:04:05"))
		if st.Valid {
			fmt.Fprintf(w, "  Integrity: Valid\n")
		} else {
			fmt.Fprintf(w, "  Integrity: Invalid\n")
			fmt.Fprintf(w, "  Error: %s\n", st.Error)
		}
		if st.Checksum != "" {
			fmt.Fprintf(w, "  Checksum: %s\n", st.Checksum)
		}
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check database status and integrity",
		Long:  `Report presence, size, age, integrity and checksum of every GeoLite2 database.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			printStatus(cmd.OutOrStdout(), newOfflineStore().Status())
			return nil
		},
	}
}

func newRollbackCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rollback",
		Short: "Rollback databases to previous backup",
		Long:  `Restore every GeoLite2 database from the most recent backup set.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "Initiating database rollback...")

			store := newOfflineStore()
			defer store.Close()
			if err := store.Rollback(); err != nil {
				return fmt.Errorf("rollback failed: %w", err)
			}

			fmt.Fprintln(out, "Database rollback completed successfully")
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version and build information.`,
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "GeoEcho %s\n", version)
			fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
			fmt.Fprintf(out, "Cache support: %v\n", cfg.CacheEnabled)
			fmt.Fprintf(out, "TLS support: %v\n", cfg.EnableTLS)
			fmt.Fprintf(out, "Edge headers trusted: %v\n", cfg.TrustEdgeHeaders)
		},
	}
}

func newCertCmd() *cobra.Command {
	certCmd := &cobra.Command{
		Use:   "cert",
		Short: "Certificate management",
		Long:  `Generate and inspect the TLS certificate of the HTTPS listener.`,
	}

	certCmd.AddCommand(&cobra.Command{
		Use:   "generate",
		Short: "Generate self-signed certificate",
		Long:  `Generate a self-signed TLS certificate for the server, replacing any existing one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return newCertManager(cfg).Generate(cfg.CertHosts, cfg.CertValidDays)
		},
	})

	certCmd.AddCommand(&cobra.Command{
		Use:   "info",
		Short: "Show certificate information",
		Long:  `Display information about the current TLS certificate.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			manager := newCertManager(cfg)
			info, err := manager.Info()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Certificate Information:\n")
			fmt.Fprintf(out, "  Subject: %s\n", info.Subject)
			fmt.Fprintf(out, "  Issuer: %s\n", info.Issuer)
			fmt.Fprintf(out, "  Valid From: %s\n", info.NotBefore.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintf(out, "  Valid Until: %s\n", info.NotAfter.Format("2006-01-02 15:04:05 MST"))
			fmt.Fprintf(out, "  DNS Names: %s\n", strings.Join(info.DNSNames, ", "))
			fmt.Fprintf(out, "  IP Addresses: %v\n", info.IPAddresses)
			if err := manager.Validate(); err != nil {
				fmt.Fprintf(out, "  Validity: %v\n", err)
			} else {
				fmt.Fprintf(out, "  Validity: OK\n")
			}
			return nil
		},
	})

	return certCmd
}

// fetchRecord asks a running echo endpoint who the caller is
func fetchRecord(ctx context.Context, client *http.Client, url string) (*types.GeoRecord, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected HTTP status %d from %s", resp.StatusCode, url)
	}

	var rec types.GeoRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	return &rec, nil
}

func printRecord(w io.Writer, rec *types.GeoRecord) {
	fmt.Fprintf(w, "IP:        %s\n", rec.IP)
	fmt.Fprintf(w, "Location:  %s, %s %s, %s\n", rec.City, rec.Region, rec.PostalCode, rec.Country)
	fmt.Fprintf(w, "Timezone:  %s\n", rec.Timezone)
	fmt.Fprintf(w, "Network:   AS%d %s\n", rec.ASN, rec.ISP)
	fmt.Fprintf(w, "Position:  %.4f, %.4f\n", rec.Latitude, rec.Longitude)
}

func newLookupCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "lookup [url]",
		Short: "Show what an echo endpoint reports about this machine",
		Long:  `Query a GeoEcho endpoint (GEOECHO_URL by default) and print the reported IP and location.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			url := cfg.EchoURL
			if len(args) == 1 {
				url = args[0]
			}

			client := &http.Client{Timeout: 10 * time.Second}
			rec, err := fetchRecord(cmd.Context(), client, url)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				body, err := types.MarshalRecord(*rec)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, string(body))
				return nil
			}
			printRecord(out, rec)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw record")
	return cmd
}

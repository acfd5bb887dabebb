package geodb

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	defaultDownloadURL = "https://download.maxmind.com/app/geoip_download"
	backupTimeLayout   = "20060102-150405"
	backupsToKeep      = 5
	updateDirPattern   = "update-*"
)

var (
	// ErrLicenseRequired is returned by Update without a MaxMind license key
	ErrLicenseRequired = errors.New("geodb: MaxMind license key is required")

	// ErrNoBackup is returned by Rollback when there is nothing to restore
	ErrNoBackup = errors.New("geodb: no backup found")

	probeIP = net.ParseIP("8.8.8.8")
)

// EditionStatus describes one database file on disk
type EditionStatus struct {
	Exists   bool
	Size     int64
	Modified time.Time
	Valid    bool
	Checksum string
	Error    string
}

type download struct {
	edition  string
	path     string
	checksum string
	size     int64
}

// Update downloads fresh copies of every edition, verifies them, backs up the
// current files, swaps the new ones in and reloads. On an integrity failure
// after the swap the previous backup is restored.
func (s *Store) Update(ctx context.Context, licenseKey string) (err error) {
	defer func() { s.metrics.ObserveUpdate(err) }()

	if licenseKey == "" {
		return ErrLicenseRequired
	}

	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	s.logger.Info("Starting database update...")

	if err := os.MkdirAll(s.backupDir(), 0o755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	// per-call directory, another process may be updating the same DB_PATH
	tempDir, err := os.MkdirTemp(s.dir, updateDirPattern)
	if err != nil {
		return fmt.Errorf("failed to create temp directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(tempDir); err != nil {
			s.logger.Warnf("Failed to remove temp directory: %v", err)
		}
	}()

	// download everything before touching the live files
	var downloads []download
	for _, edition := range Editions {
		s.logger.Infof("Downloading %s database...", edition)
		d, err := s.downloadEdition(ctx, edition, licenseKey, tempDir)
		if err != nil {
			return fmt.Errorf("failed to download %s: %w", edition, err)
		}
		downloads = append(downloads, d)
	}

	if err := s.backupCurrent(); err != nil {
		s.logger.Warnf("Failed to back up current databases: %v", err)
	}

	for _, d := range downloads {
		if err := os.Rename(d.path, s.editionPath(d.edition)); err != nil {
			if rbErr := s.restoreLatestBackup(); rbErr != nil {
				s.logger.Errorf("Failed to roll back after move error: %v", rbErr)
			}
			return fmt.Errorf("failed to move %s into place: %w", d.edition, err)
		}
		if err := os.WriteFile(s.checksumPath(d.edition), []byte(d.checksum), 0o644); err != nil {
			s.logger.Warnf("Failed to save checksum for %s: %v", d.edition, err)
		}
		s.logger.Infof("Updated %s database (%d bytes, checksum %s...)", d.edition, d.size, d.checksum[:8])
	}

	if err := s.verifyIntegrity(); err != nil {
		s.logger.Errorf("Integrity check failed after update: %v", err)
		if rbErr := s.restoreLatestBackup(); rbErr != nil {
			return fmt.Errorf("failed to roll back after integrity check failure: %w", rbErr)
		}
		return fmt.Errorf("database integrity check failed after update: %w", err)
	}

	return s.Load()
}

func (s *Store) downloadEdition(ctx context.Context, edition, licenseKey, tempDir string) (download, error) {
	path := filepath.Join(tempDir, edition+".mmdb")

	fetch := func() error {
		return s.fetchEdition(ctx, edition, licenseKey, path)
	}
	notify := func(err error, next time.Duration) {
		s.logger.Warnf("Download of %s failed, retrying in %v: %v", edition, next, err)
	}
	if err := backoff.RetryNotify(fetch, backoff.WithContext(s.retryPolicy(), ctx), notify); err != nil {
		return download{}, err
	}

	checksum, err := fileChecksum(path)
	if err != nil {
		return download{}, fmt.Errorf("failed to calculate checksum: %w", err)
	}
	if err := s.verifyFile(edition, path); err != nil {
		return download{}, fmt.Errorf("verification failed: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return download{}, err
	}

	return download{edition: edition, path: path, checksum: checksum, size: info.Size()}, nil
}

// fetchEdition downloads one archive and extracts its database to dst.
// Client errors other than throttling are not worth retrying.
func (s *Store) fetchEdition(ctx context.Context, edition, licenseKey, dst string) error {
	query := url.Values{}
	query.Set("edition_id", edition)
	query.Set("license_key", licenseKey)
	query.Set("suffix", "tar.gz")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.downloadURL+"?"+query.Encode(), nil)
	if err != nil {
		return backoff.Permanent(err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("unexpected HTTP status %d", resp.StatusCode)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 &&
			resp.StatusCode != http.StatusTooManyRequests && resp.StatusCode != http.StatusRequestTimeout {
			return backoff.Permanent(err)
		}
		return err
	}

	return extractMMDB(resp.Body, dst)
}

// defaultRetryPolicy allows three retries within two minutes
func defaultRetryPolicy() backoff.BackOff {
	eback := backoff.NewExponentialBackOff()
	eback.InitialInterval = 2 * time.Second
	eback.MaxElapsedTime = 2 * time.Minute
	return backoff.WithMaxRetries(eback, 3)
}

// extractMMDB writes the first .mmdb member of a tar.gz stream to dst
func extractMMDB(r io.Reader, dst string) error {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("failed to open gzip stream: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return errors.New("no .mmdb file found in archive")
		}
		if err != nil {
			return fmt.Errorf("failed to read archive: %w", err)
		}
		if header.Typeflag != tar.TypeReg || !strings.HasSuffix(header.Name, ".mmdb") {
			continue
		}

		out, err := os.Create(dst)
		if err != nil {
			return err
		}
		if _, err := io.Copy(out, tr); err != nil {
			out.Close()
			return fmt.Errorf("failed to extract database: %w", err)
		}
		return out.Close()
	}
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// verifyFile opens path and runs a probe lookup matching its edition
func (s *Store) verifyFile(edition, path string) error {
	r, err := s.open(path)
	if err != nil {
		return err
	}
	defer closeReader(r, s.logger)

	switch edition {
	case CityEdition:
		_, err = r.City(probeIP)
	case ASNEdition:
		_, err = r.ASN(probeIP)
	}
	if err != nil {
		return fmt.Errorf("probe lookup failed: %w", err)
	}
	return nil
}

// verifyIntegrity checks every live edition opens and matches its saved checksum
func (s *Store) verifyIntegrity() error {
	for _, edition := range Editions {
		path := s.editionPath(edition)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("%s: %w", edition, err)
		}
		if err := s.verifyFile(edition, path); err != nil {
			return fmt.Errorf("%s: %w", edition, err)
		}

		saved, err := os.ReadFile(s.checksumPath(edition))
		if err != nil {
			continue
		}
		current, err := fileChecksum(path)
		if err != nil {
			return fmt.Errorf("%s: %w", edition, err)
		}
		if strings.TrimSpace(string(saved)) != current {
			return fmt.Errorf("%s: checksum mismatch", edition)
		}
	}
	return nil
}

func (s *Store) backupDir() string {
	return filepath.Join(s.dir, "backup")
}

func (s *Store) checksumPath(edition string) string {
	return filepath.Join(s.dir, edition+".checksum")
}

func backupName(edition, stamp, ext string) string {
	return fmt.Sprintf("%s-%s%s", edition, stamp, ext)
}

// backupCurrent copies the live files into a new timestamped backup set
func (s *Store) backupCurrent() error {
	stamp := s.now().Format(backupTimeLayout)
	copied := 0

	for _, edition := range Editions {
		src := s.editionPath(edition)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			continue
		}
		if err := copyFile(src, filepath.Join(s.backupDir(), backupName(edition, stamp, ".mmdb"))); err != nil {
			return fmt.Errorf("failed to back up %s: %w", edition, err)
		}
		if _, err := os.Stat(s.checksumPath(edition)); err == nil {
			if err := copyFile(s.checksumPath(edition), filepath.Join(s.backupDir(), backupName(edition, stamp, ".checksum"))); err != nil {
				return fmt.Errorf("failed to back up checksum for %s: %w", edition, err)
			}
		}
		copied++
	}

	if copied > 0 {
		s.logger.Infof("Backed up %d database(s) as set %s", copied, stamp)
	}
	s.pruneBackups(backupsToKeep)
	return nil
}

// backupSets returns the timestamps of all backup sets, oldest first
func (s *Store) backupSets() ([]string, error) {
	entries, err := os.ReadDir(s.backupDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	for _, e := range entries {
		if stamp, ok := parseBackupStamp(e.Name()); ok {
			seen[stamp] = true
		}
	}

	stamps := make([]string, 0, len(seen))
	for stamp := range seen {
		stamps = append(stamps, stamp)
	}
	// the layout sorts lexically in time order
	sort.Strings(stamps)
	return stamps, nil
}

// parseBackupStamp extracts the timestamp from "<edition>-<stamp>.<ext>"
func parseBackupStamp(name string) (string, bool) {
	base := strings.TrimSuffix(name, filepath.Ext(name))
	n := len(backupTimeLayout)
	if len(base) <= n || base[len(base)-n-1] != '-' {
		return "", false
	}
	stamp := base[len(base)-n:]
	if _, err := time.Parse(backupTimeLayout, stamp); err != nil {
		return "", false
	}
	return stamp, true
}

func (s *Store) pruneBackups(keep int) {
	stamps, err := s.backupSets()
	if err != nil {
		s.logger.Warnf("Failed to list backups: %v", err)
		return
	}
	if len(stamps) <= keep {
		return
	}

	stale := make(map[string]bool)
	for _, stamp := range stamps[:len(stamps)-keep] {
		stale[stamp] = true
	}

	entries, err := os.ReadDir(s.backupDir())
	if err != nil {
		return
	}
	for _, e := range entries {
		if stamp, ok := parseBackupStamp(e.Name()); ok && stale[stamp] {
			if err := os.Remove(filepath.Join(s.backupDir(), e.Name())); err != nil {
				s.logger.Warnf("Failed to remove old backup %s: %v", e.Name(), err)
			}
		}
	}
}

// restoreLatestBackup copies the newest backup set over the live files
func (s *Store) restoreLatestBackup() error {
	s.logger.Warn("Restoring databases from backup...")

	stamps, err := s.backupSets()
	if err != nil {
		return fmt.Errorf("failed to list backups: %w", err)
	}
	if len(stamps) == 0 {
		return ErrNoBackup
	}
	latest := stamps[len(stamps)-1]

	restored := 0
	for _, edition := range Editions {
		src := filepath.Join(s.backupDir(), backupName(edition, latest, ".mmdb"))
		if _, err := os.Stat(src); os.IsNotExist(err) {
			s.logger.Warnf("Backup %s not found, skipping", src)
			continue
		}
		if err := s.verifyFile(edition, src); err != nil {
			s.logger.Errorf("Backup of %s failed verification: %v", edition, err)
			continue
		}
		if err := copyFile(src, s.editionPath(edition)); err != nil {
			return fmt.Errorf("failed to restore %s: %w", edition, err)
		}

		checksum := filepath.Join(s.backupDir(), backupName(edition, latest, ".checksum"))
		if _, err := os.Stat(checksum); err == nil {
			if err := copyFile(checksum, s.checksumPath(edition)); err != nil {
				return fmt.Errorf("failed to restore checksum for %s: %w", edition, err)
			}
		} else {
			os.Remove(s.checksumPath(edition))
		}
		restored++
	}

	if restored == 0 {
		return fmt.Errorf("backup set %s: %w", latest, ErrNoBackup)
	}
	s.logger.Infof("Restored %d database(s) from backup set %s", restored, latest)
	return nil
}

// Rollback restores the newest backup set and reloads
func (s *Store) Rollback() error {
	s.updateMu.Lock()
	defer s.updateMu.Unlock()

	if err := s.restoreLatestBackup(); err != nil {
		return err
	}
	return s.Load()
}

// Status reports on every edition's file without loading it into the store
func (s *Store) Status() map[string]EditionStatus {
	status := make(map[string]EditionStatus, len(Editions))

	for _, edition := range Editions {
		var st EditionStatus
		path := s.editionPath(edition)

		info, err := os.Stat(path)
		if err != nil {
			st.Error = err.Error()
			status[edition] = st
			continue
		}

		st.Exists = true
		st.Size = info.Size()
		st.Modified = info.ModTime()
		if err := s.verifyFile(edition, path); err != nil {
			st.Error = err.Error()
		} else {
			st.Valid = true
		}
		if data, err := os.ReadFile(s.checksumPath(edition)); err == nil && len(data) >= 8 {
			st.Checksum = string(data[:8]) + "..."
		}
		status[edition] = st
	}

	return status
}

// Stale reports whether any live edition is older than maxAge
func (s *Store) Stale(maxAge time.Duration) bool {
	for _, edition := range Editions {
		info, err := os.Stat(s.editionPath(edition))
		if err != nil {
			return true
		}
		if s.now().Sub(info.ModTime()) > maxAge {
			return true
		}
	}
	return false
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

package ingress

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

// catchAllService terminates unmatched requests; the tunnel requires the
// rule list to end with a hostname-less rule.
const catchAllService = "http_status:404"

// Rule is one ingress entry mapping a public hostname to a backend
// service address.
type Rule struct {
	Hostname string `yaml:"hostname,omitempty"`
	Service  string `yaml:"service"`
}

type configFile struct {
	Ingress []Rule `yaml:"ingress"`
}

// Reloader asks the tunnel process to gracefully pick up the new config.
type Reloader func() error

// Writer owns the on-disk ingress rule file. Every mutation is applied as
// one unit: render the full rule set to a temp file, rename it over the
// live file, then reload the tunnel — all under a single writer lock, so
// concurrent operations on different hostnames cannot interleave between
// a write and its reload. A failed write leaves the file untouched and
// skips the reload; a failed reload rolls the file back to the state the
// operation started from. The tunnel process always sees a complete file
// thanks to the atomic rename.
type Writer struct {
	path   string
	reload Reloader

	mu    sync.Mutex
	rules map[string]string // hostname -> service
}

// NewWriter loads the current rule file (if any) and prepares the writer.
func NewWriter(path string, reload Reloader) (*Writer, error) {
	w := &Writer{
		path:   path,
		reload: reload,
		rules:  make(map[string]string),
	}
	if err := w.load(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *Writer) load() error {
	data, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not read ingress file %s: %w", w.path, err)
	}
	var cfg configFile
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("could not parse ingress file %s: %w", w.path, err)
	}
	for _, r := range cfg.Ingress {
		if r.Hostname != "" {
			w.rules[r.Hostname] = r.Service
		}
	}
	return nil
}

// AddRule writes the rule set with hostname added and reloads the tunnel.
// On any failure the file and rule set are left as they were before the
// call.
func (w *Writer) AddRule(hostname, service string) error {
	err := w.apply(func(rules map[string]string) {
		rules[hostname] = service
	})
	if err != nil {
		return fmt.Errorf("ingress rule for %q not applied: %w", hostname, err)
	}
	return nil
}

// RemoveRule writes the rule set with hostname removed and reloads the
// tunnel. Removing an absent hostname is a no-op.
func (w *Writer) RemoveRule(hostname string) error {
	w.mu.Lock()
	_, exists := w.rules[hostname]
	w.mu.Unlock()
	if !exists {
		return nil
	}

	err := w.apply(func(rules map[string]string) {
		delete(rules, hostname)
	})
	if err != nil {
		return fmt.Errorf("ingress rule for %q not removed: %w", hostname, err)
	}
	return nil
}

// apply runs one mutate+write+reload sequence under the writer lock.
func (w *Writer) apply(mutate func(rules map[string]string)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	prior := copyRules(w.rules)
	mutate(w.rules)

	if err := w.write(); err != nil {
		// Nothing reached the file; no reload is attempted.
		w.rules = prior
		return err
	}

	if err := w.reload(); err != nil {
		rollbackErr := w.rollback(prior)
		if rollbackErr != nil {
			return fmt.Errorf("reload failed (%w) and rollback also failed: %v", err, rollbackErr)
		}
		return fmt.Errorf("reload failed, ingress file rolled back, retry the operation: %w", err)
	}
	return nil
}

// Rules returns the current rule set, catch-all last, hostnames sorted.
func (w *Writer) Rules() []Rule {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.render()
}

func (w *Writer) render() []Rule {
	hostnames := make([]string, 0, len(w.rules))
	for h := range w.rules {
		hostnames = append(hostnames, h)
	}
	sort.Strings(hostnames)

	rules := make([]Rule, 0, len(hostnames)+1)
	for _, h := range hostnames {
		rules = append(rules, Rule{Hostname: h, Service: w.rules[h]})
	}
	return append(rules, Rule{Service: catchAllService})
}

func (w *Writer) write() error {
	data, err := yaml.Marshal(configFile{Ingress: w.render()})
	if err != nil {
		return fmt.Errorf("could not render ingress rules: %w", err)
	}

	if err := w.keepBackup(); err != nil {
		return err
	}

	dir := filepath.Dir(w.path)
	tmp, err := os.CreateTemp(dir, ".ingress-*")
	if err != nil {
		return fmt.Errorf("could not create temp ingress file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("could not write temp ingress file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not close temp ingress file: %w", err)
	}
	if err := os.Rename(tmpName, w.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("could not replace ingress file: %w", err)
	}
	return nil
}

func (w *Writer) backupPath() string {
	return w.path + ".bak"
}

// keepBackup copies the live file aside before it is replaced. Since the
// whole mutate+reload sequence runs under the writer lock, the backup is
// always the state the current operation started from.
func (w *Writer) keepBackup() error {
	data, err := os.ReadFile(w.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("could not read ingress file for backup: %w", err)
	}
	if err := os.WriteFile(w.backupPath(), data, 0o644); err != nil {
		return fmt.Errorf("could not keep ingress backup: %w", err)
	}
	return nil
}

func (w *Writer) rollback(prior map[string]string) error {
	data, err := os.ReadFile(w.backupPath())
	if errors.Is(err, os.ErrNotExist) {
		// The file did not exist before this operation; re-render the
		// prior (empty or loaded) rule set instead.
		w.rules = prior
		return w.write()
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(w.path, data, 0o644); err != nil {
		return err
	}
	w.rules = prior
	return nil
}

func copyRules(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

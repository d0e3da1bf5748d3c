package am

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"

	"github.com/teranos/jobkeeper/errors"
)

// backupGenerations is how many .backN files createBackup keeps
const backupGenerations = 3

// ErrConfigExists is returned by WriteDefault when the file exists and force is false
var ErrConfigExists = errors.New("config file already exists")

// createBackup rotates .back1..back3 and copies the current file to .back1
func createBackup(configPath string) error {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil
	}

	oldest := backupName(configPath, backupGenerations)
	if err := os.Remove(oldest); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to delete old backup %s", oldest)
	}

	for n := backupGenerations - 1; n >= 1; n-- {
		from := backupName(configPath, n)
		if _, err := os.Stat(from); err != nil {
			continue
		}
		if err := os.Rename(from, backupName(configPath, n+1)); err != nil {
			return errors.Wrapf(err, "failed to rotate %s", filepath.Base(from))
		}
	}

	content, err := os.ReadFile(configPath)
	if err != nil {
		return errors.Wrap(err, "failed to read config for backup")
	}
	if err := os.WriteFile(backupName(configPath, 1), content, DefaultFilePermissions); err != nil {
		return errors.Wrap(err, "failed to create .back1")
	}
	return nil
}

func backupName(configPath string, n int) string {
	return configPath + ".back" + strconv.Itoa(n)
}

// WriteDefault writes the default configuration to path.
// An existing file is kept unless force is set, in which case it is backed up first.
func WriteDefault(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errors.WithHint(errors.Wrap(ErrConfigExists, path), "pass --force to overwrite (a .back1 copy is kept)")
	}

	data, err := toml.Marshal(Default())
	if err != nil {
		return errors.Wrap(err, "failed to marshal default config")
	}
	return writeConfig(path, data)
}

// SetValue sets a dotted key (e.g. "log.level") in the TOML file at path,
// creating the file if needed. The value is parsed as a bool, integer or
// float where possible, otherwise stored as a string. The resulting file must
// still validate.
func SetValue(path, dottedKey, value string) error {
	keys := strings.Split(strings.TrimSpace(dottedKey), ".")
	for _, k := range keys {
		if k == "" {
			return errors.Newf("invalid config key %q", dottedKey)
		}
	}

	config := map[string]interface{}{}
	if data, err := os.ReadFile(path); err == nil {
		if err := toml.Unmarshal(data, &config); err != nil {
			return errors.Wrapf(err, "failed to parse %s", path)
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to read %s", path)
	}

	section := config
	for _, k := range keys[:len(keys)-1] {
		next, ok := section[k].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			section[k] = next
		}
		section = next
	}
	section[keys[len(keys)-1]] = parseValue(value)

	data, err := toml.Marshal(config)
	if err != nil {
		return errors.Wrap(err, "failed to marshal config")
	}

	// Reject the write rather than leave a config the daemon would refuse
	if err := validateTOML(data); err != nil {
		return err
	}

	return writeConfig(path, data)
}

func parseValue(value string) interface{} {
	switch value {
	case "true":
		return true
	case "false":
		return false
	}
	if i, err := strconv.ParseInt(value, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil {
		return f
	}
	return value
}

// validateTOML decodes data over the defaults and validates the result
func validateTOML(data []byte) error {
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return errors.Wrap(err, "config does not decode")
	}
	return cfg.Validate()
}

// writeConfig backs up the current file and writes data, marking it as our own write
func writeConfig(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return errors.Wrap(err, "failed to create config directory")
	}
	if err := createBackup(path); err != nil {
		return errors.Wrap(err, "failed to create backup")
	}

	globalWatcherMu.Lock()
	if globalWatcher != nil {
		globalWatcher.MarkOwnWrite()
	}
	globalWatcherMu.Unlock()

	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return errors.Wrapf(err, "failed to write %s", path)
	}
	return nil
}

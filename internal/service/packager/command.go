package packager

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/logger"
	"github.com/oshokin/deploy-agent/internal/service/updater"
)

const (
	// DefaultOutput is the apps list written when no output path is given.
	DefaultOutput = "apps.yaml"

	// outputFileMode keeps the apps list readable by the web server publishing it.
	outputFileMode os.FileMode = 0o644
)

// Options contains inputs for the packager entry point.
type Options struct {
	// Output is the apps list path, DefaultOutput when empty.
	Output string
	// BaseURL is where the artifacts will be published.
	BaseURL string
	// Packages are "name=path@version" arguments, one per artifact.
	Packages []string
}

var (
	// errUpdaterRunning indicates that the updater is running in this directory.
	errUpdaterRunning = errors.New("the updater is running now")
	// errNoPackages is returned when nothing was asked to be packaged.
	errNoPackages = errors.New("no packages given")
	// errBadArtifact is returned for an argument not of the form "name=path@version".
	errBadArtifact = errors.New(`package must be given as "name=path@version"`)
	// errBaseURLRequired is returned when the publish location is missing.
	errBaseURLRequired = errors.New("base URL must be provided")
)

// artifact is one parsed "name=path@version" argument.
type artifact struct {
	name        string
	path        string
	versionCode int64
}

// Run writes an apps list describing the given artifacts.
func Run(ctx context.Context, opts *Options) error {
	// Set context with logger name for tracking.
	ctx = logger.WithName(ctx, "deploy-packager")

	if updater.IsUpdaterRunningNow(ctx, updater.MarkerFilename) {
		return errUpdaterRunning
	}

	if len(opts.Packages) == 0 {
		return errNoPackages
	}

	baseURL, err := parseBaseURL(opts.BaseURL)
	if err != nil {
		return err
	}

	output := opts.Output
	if output == "" {
		output = DefaultOutput
	}

	list := &deploy.AppsList{
		Apps: make([]deploy.AppPackage, 0, len(opts.Packages)),
	}

	for _, raw := range opts.Packages {
		art, err := parseArtifact(raw)
		if err != nil {
			return err
		}

		app, err := describe(art, baseURL)
		if err != nil {
			return fmt.Errorf("describe %s: %w", art.name, err)
		}

		list.Apps = append(list.Apps, app)
	}

	logger.InfoKV(ctx, "Saving apps list", "path", output, "apps", len(list.Apps))

	contents, err := yaml.Marshal(list)
	if err != nil {
		return err
	}

	if err = os.WriteFile(filepath.Clean(output), contents, outputFileMode); err != nil {
		return fmt.Errorf("write apps list: %w", err)
	}

	printNextSteps(ctx, output, opts.BaseURL, list)

	logger.Info(ctx, "Packager completed successfully")

	return nil
}

// parseBaseURL validates the publish location.
func parseBaseURL(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, errBaseURLRequired
	}

	baseURL, err := url.ParseRequestURI(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}

	return baseURL, nil
}

// parseArtifact parses "name=path@version".
func parseArtifact(raw string) (artifact, error) {
	name, rest, ok := strings.Cut(raw, "=")
	if !ok || name == "" {
		return artifact{}, fmt.Errorf("%w: %q", errBadArtifact, raw)
	}

	at := strings.LastIndex(rest, "@")
	if at <= 0 {
		return artifact{}, fmt.Errorf("%w: %q", errBadArtifact, raw)
	}

	versionCode, err := strconv.ParseInt(rest[at+1:], 10, 64)
	if err != nil || versionCode <= 0 {
		return artifact{}, fmt.Errorf("%w: %q: bad version", errBadArtifact, raw)
	}

	return artifact{
		name:        name,
		path:        rest[:at],
		versionCode: versionCode,
	}, nil
}

// describe hashes the artifact and builds its apps list entry.
func describe(art artifact, baseURL *url.URL) (deploy.AppPackage, error) {
	if _, err := os.Stat(art.path); err != nil {
		return deploy.AppPackage{}, fmt.Errorf("stat %s: %w", art.path, err)
	}

	checksum, err := updater.GetFileChecksum(art.path)
	if err != nil {
		return deploy.AppPackage{}, err
	}

	link := *baseURL
	// Use path.Join to normalize duplicate slashes when composing the URL path.
	link.Path = path.Join(link.Path, filepath.Base(art.path))

	return deploy.AppPackage{
		PackageName:  art.name,
		DownloadLink: link.String(),
		VersionCode:  art.versionCode,
		Checksum:     base64.StdEncoding.EncodeToString(checksum),
	}, nil
}

// printNextSteps logs human-readable guidance for publishing the artifacts.
func printNextSteps(ctx context.Context, output, baseURL string, list *deploy.AppsList) {
	var builder strings.Builder

	builder.WriteString("You should upload the following files to ")
	builder.WriteString(baseURL)
	builder.WriteString(":\n")

	for i, app := range list.Apps {
		if i > 0 {
			builder.WriteString(",\n")
		}

		builder.WriteString(path.Base(app.DownloadLink))
	}

	builder.WriteString("\n\nPublish ")
	builder.WriteString(output)
	builder.WriteString(" and set apps_list_url to its address, then run: deploy-updater")

	logger.Info(ctx, builder.String())
}

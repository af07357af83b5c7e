package pulp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// Repository is a pulp repository resource.
type Repository struct {
	PulpHref          string `json:"pulp_href"`
	Name              string `json:"name"`
	Description       string `json:"description"`
	LatestVersionHref string `json:"latest_version_href"`
	Remote            string `json:"remote"`
}

// Remote is a pulp remote resource. Distributions is only set on deb
// remotes.
type Remote struct {
	PulpHref      string `json:"pulp_href"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	Distributions string `json:"distributions,omitempty"`
}

// IsFlatRepo reports whether a deb remote points at a flat repo, which
// publishes without the structured apt layout. Flat repos set the
// distributions field to "/".
func (r *Remote) IsFlatRepo() bool {
	return r.Distributions == "/"
}

// Publication is a pulp publication resource.
type Publication struct {
	PulpHref          string `json:"pulp_href"`
	RepositoryVersion string `json:"repository_version"`
}

// Distribution is a pulp distribution resource.
type Distribution struct {
	PulpHref    string `json:"pulp_href"`
	Name        string `json:"name"`
	BasePath    string `json:"base_path"`
	Publication string `json:"publication"`
	Repository  string `json:"repository"`
}

// decodeAs converts a generic API response into a typed resource.
func decodeAs[T any](m map[string]interface{}) (*T, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func decodeListAs[T any](items []map[string]interface{}) ([]*T, error) {
	result := make([]*T, 0, len(items))
	for _, item := range items {
		v, err := decodeAs[T](item)
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
	return result, nil
}

var repoTypeHrefRegex = regexp.MustCompile(`/pulp/api/v3/[a-z_]+/([a-z]+)/`)

// RepoTypeFromHref extracts the repo type (plugin name) from a resource
// href, e.g. /pulp/api/v3/repositories/rpm/rpm/0123/ yields rpm.
func RepoTypeFromHref(href string) (string, error) {
	match := repoTypeHrefRegex.FindStringSubmatch(href)
	if match == nil {
		return "", fmt.Errorf("could not determine repo type from href %s", href)
	}
	return match[1], nil
}

// repoPaths maps a repo type to the plugin path segment used by
// repositories and remotes endpoints.
var repoPaths = map[string]string{
	"rpm":       "rpm/rpm",
	"deb":       "deb/apt",
	"file":      "file/file",
	"python":    "python/python",
	"container": "container/container",
}

// publicationPaths maps a repo type to its publications endpoint segment.
var publicationPaths = map[string]string{
	"rpm":    "rpm/rpm",
	"deb":    "deb/apt",
	"file":   "file/file",
	"python": "python/pypi",
}

// contentPaths maps a repo type to its package content endpoint.
var contentPaths = map[string]string{
	"rpm":    "/content/rpm/packages/",
	"deb":    "/content/deb/packages/",
	"file":   "/content/file/files/",
	"python": "/content/python/packages/",
}

func repoPath(repoType string) (string, error) {
	path, ok := repoPaths[repoType]
	if !ok {
		return "", fmt.Errorf("unsupported repo type %q", repoType)
	}
	return path, nil
}

// ListRepositories returns all repositories matching params.
func ListRepositories(ctx context.Context, c *Client, params url.Values) ([]*Repository, error) {
	items, err := c.GetPages(ctx, "/repositories/", params)
	if err != nil {
		return nil, err
	}
	return decodeListAs[Repository](items)
}

// GetRepository returns the repository at href.
func GetRepository(ctx context.Context, c *Client, href string) (*Repository, error) {
	if !strings.Contains(href, "/repositories/") {
		return nil, fmt.Errorf("href %s is not valid for a repository", href)
	}
	result, err := c.Get(ctx, href, nil)
	if err != nil {
		return nil, err
	}
	return decodeAs[Repository](result)
}

// CreateRepository creates a repository of the given type.
func CreateRepository(ctx context.Context, c *Client, repoType string, body map[string]interface{}) (*Repository, error) {
	path, err := repoPath(repoType)
	if err != nil {
		return nil, err
	}
	result, err := c.Post(ctx, fmt.Sprintf("/repositories/%s/", path), body)
	if err != nil {
		return nil, err
	}
	return decodeAs[Repository](result)
}

// UpdateRepository patches a repository in place. The update runs as a
// backend task whose href is returned.
func UpdateRepository(ctx context.Context, c *Client, href string, body map[string]interface{}) (string, error) {
	result, err := c.Patch(ctx, href, body)
	if err != nil {
		return "", err
	}
	return taskHref(result)
}

// ListRemotes returns all remotes matching params.
func ListRemotes(ctx context.Context, c *Client, params url.Values) ([]*Remote, error) {
	items, err := c.GetPages(ctx, "/remotes/", params)
	if err != nil {
		return nil, err
	}
	return decodeListAs[Remote](items)
}

// GetRemote returns the remote at href.
func GetRemote(ctx context.Context, c *Client, href string) (*Remote, error) {
	if !strings.Contains(href, "/remotes/") {
		return nil, fmt.Errorf("href %s is not valid for a remote", href)
	}
	result, err := c.Get(ctx, href, nil)
	if err != nil {
		return nil, err
	}
	return decodeAs[Remote](result)
}

// CreateRemote creates a remote of the given type.
func CreateRemote(ctx context.Context, c *Client, repoType string, body map[string]interface{}) (*Remote, error) {
	path, err := repoPath(repoType)
	if err != nil {
		return nil, err
	}
	result, err := c.Post(ctx, fmt.Sprintf("/remotes/%s/", path), body)
	if err != nil {
		return nil, err
	}
	return decodeAs[Remote](result)
}

// ListDistributions returns all distributions matching params.
func ListDistributions(ctx context.Context, c *Client, params url.Values) ([]*Distribution, error) {
	items, err := c.GetPages(ctx, "/distributions/", params)
	if err != nil {
		return nil, err
	}
	return decodeListAs[Distribution](items)
}

// GetDistribution returns the distribution at href.
func GetDistribution(ctx context.Context, c *Client, href string) (*Distribution, error) {
	if !strings.Contains(href, "/distributions/") {
		return nil, fmt.Errorf("href %s is not valid for a distribution", href)
	}
	result, err := c.Get(ctx, href, nil)
	if err != nil {
		return nil, err
	}
	return decodeAs[Distribution](result)
}

// CreateDistribution creates a distribution and returns the creation task
// href, distributions are created asynchronously.
func CreateDistribution(ctx context.Context, c *Client, repoType string, body map[string]interface{}) (string, error) {
	path, err := repoPath(repoType)
	if err != nil {
		return "", err
	}
	result, err := c.Post(ctx, fmt.Sprintf("/distributions/%s/", path), body)
	if err != nil {
		return "", err
	}
	return taskHref(result)
}

// ListPublications returns publications matching params.
func ListPublications(ctx context.Context, c *Client, params url.Values) ([]*Publication, error) {
	items, err := c.GetPages(ctx, "/publications/", params)
	if err != nil {
		return nil, err
	}
	return decodeListAs[Publication](items)
}

// PublicationSupported reports whether the repo type publishes through a
// publications endpoint. Container repos distribute directly.
func PublicationSupported(repoType string) bool {
	_, ok := publicationPaths[repoType]
	return ok
}

// PublicationConfig returns the per-type body used when publishing a repo
// version. Flat deb repos publish without the structured apt layout.
func PublicationConfig(repoType string, flat bool) map[string]interface{} {
	switch repoType {
	case "rpm":
		return map[string]interface{}{
			"metadata_checksum_type": "sha256",
			"package_checksum_type":  "sha256",
		}
	case "deb":
		if flat {
			return map[string]interface{}{"structured": false, "simple": true}
		}
		return map[string]interface{}{"structured": true}
	default:
		return map[string]interface{}{}
	}
}

// CreatePublication publishes a repository version and returns the task href.
func CreatePublication(ctx context.Context, c *Client, repoType, repoVersionHref string, flat bool) (string, error) {
	path, ok := publicationPaths[repoType]
	if !ok {
		return "", fmt.Errorf("repo type %q does not support publications", repoType)
	}

	body := PublicationConfig(repoType, flat)
	body["repository_version"] = repoVersionHref

	result, err := c.Post(ctx, fmt.Sprintf("/publications/%s/", path), body)
	if err != nil {
		return "", err
	}
	return taskHref(result)
}

// SyncRepository starts a sync of the repo from the remote and returns the
// task href.
func SyncRepository(ctx context.Context, c *Client, repoHref, remoteHref string) (string, error) {
	result, err := c.Post(ctx, repoHref+"sync/", map[string]interface{}{"remote": remoteHref})
	if err != nil {
		return "", err
	}
	return taskHref(result)
}

// ModifyRepository adds and removes content units from a repository,
// returning the task href.
func ModifyRepository(ctx context.Context, c *Client, repoHref string, add, remove []string) (string, error) {
	body := map[string]interface{}{}
	if len(add) > 0 {
		body["add_content_units"] = add
	}
	if len(remove) > 0 {
		body["remove_content_units"] = remove
	}
	result, err := c.Post(ctx, repoHref+"modify/", body)
	if err != nil {
		return "", err
	}
	return taskHref(result)
}

// CopyContent copies all content from a source repo version into the dest
// repo, returning the task href.
func CopyContent(ctx context.Context, c *Client, repoType, sourceVersionHref, destRepoHref string) (string, error) {
	if repoType != "rpm" && repoType != "deb" {
		return "", fmt.Errorf("repo type %q does not support copy", repoType)
	}
	body := map[string]interface{}{
		"config": []map[string]interface{}{
			{"source_repo_version": sourceVersionHref, "dest_repo": destRepoHref},
		},
		"dependency_solving": false,
	}
	if repoType == "deb" {
		body["structured"] = true
	}
	result, err := c.Post(ctx, fmt.Sprintf("/%s/copy/", repoType), body)
	if err != nil {
		return "", err
	}
	return taskHref(result)
}

// ListContent queries the package content endpoint for the repo type.
func ListContent(ctx context.Context, c *Client, repoType string, params url.Values) ([]map[string]interface{}, error) {
	path, ok := contentPaths[repoType]
	if !ok {
		return nil, fmt.Errorf("repo type %q has no searchable package content", repoType)
	}
	return c.GetPages(ctx, path, params)
}

// taskHref extracts the spawned task href from an async API response.
func taskHref(result map[string]interface{}) (string, error) {
	if result == nil {
		return "", fmt.Errorf("backend returned no body for async operation")
	}
	if href, ok := result["task"].(string); ok {
		return href, nil
	}
	return "", fmt.Errorf("backend response carried no task href: %v", result)
}

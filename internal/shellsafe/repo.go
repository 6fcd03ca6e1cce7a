package shellsafe

import (
	"encoding/base64"
	"regexp"
	"strings"

	"github.com/polychat/sandbox-worker/internal/taskerr"
)

// RepoRef is a resolved GitHub repository target. AuthHeader, when set, is a
// complete git http.extraHeader value and must never be logged or embedded in
// a URL.
type RepoRef struct {
	Owner       string
	Name        string
	DisplayName string // "owner/repo"
	CloneURL    string // https URL without credentials
	TargetDir   string // filesystem-safe checkout directory name
	AuthHeader  string // "AUTHORIZATION: basic ..." or empty
}

var (
	ownerRepoRe = regexp.MustCompile(`^[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)
	unsafeDirRe = regexp.MustCompile(`[^A-Za-z0-9_.-]`)
)

// ResolveGitHubRepo accepts "owner/repo" or "https://github.com/owner/repo"
// (with or without a trailing ".git") and fails on anything else. When a
// token is given, it is folded into a Basic-auth header for git's
// http.extraHeader so credentials stay out of the URL.
func ResolveGitHubRepo(spec, token string) (RepoRef, error) {
	s := strings.TrimSpace(spec)
	if s == "" {
		return RepoRef{}, &taskerr.ValidationError{Msg: "repository is required"}
	}

	var ownerRepo string
	switch {
	case strings.HasPrefix(s, "https://github.com/"):
		rest := strings.TrimPrefix(s, "https://github.com/")
		rest = strings.TrimSuffix(rest, "/")
		rest = strings.TrimSuffix(rest, ".git")
		ownerRepo = rest
	case strings.Contains(s, "://") || strings.Contains(s, "@"):
		return RepoRef{}, &taskerr.ValidationError{Msg: "unsupported repository URL: only https://github.com/ is accepted"}
	default:
		ownerRepo = s
	}
	if !ownerRepoRe.MatchString(ownerRepo) {
		return RepoRef{}, &taskerr.ValidationError{Msg: "repository must be owner/repo or a github.com URL"}
	}

	parts := strings.SplitN(ownerRepo, "/", 2)
	ref := RepoRef{
		Owner:       parts[0],
		Name:        parts[1],
		DisplayName: ownerRepo,
		CloneURL:    "https://github.com/" + ownerRepo + ".git",
		TargetDir:   unsafeDirRe.ReplaceAllString(parts[1], "-"),
	}
	if token != "" {
		cred := base64.StdEncoding.EncodeToString([]byte("x-access-token:" + token))
		ref.AuthHeader = "AUTHORIZATION: basic " + cred
	}
	return ref, nil
}

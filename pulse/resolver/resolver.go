package resolver

import (
	"path/filepath"
	"regexp"
	"strings"

	"github.com/teranos/hubjobs/errors"
)

// ErrUnboundInputSet is returned for a placeholder no input set of the context matches
var ErrUnboundInputSet = errors.New("unbound input set")

var (
	tokenPattern       = regexp.MustCompile(`\S+`)
	placeholderPattern = regexp.MustCompile(`\$\{inputSet:([A-Za-z0-9_\-.]+)\}`)
	s3SchemePattern    = regexp.MustCompile(`\bs3[an]://`)
	s3URIPattern       = regexp.MustCompile(`\bs3://([^/\s]+)/?(\S*)`)
)

// Resolver rewrites step parameters before dispatch.
// Resolving an already resolved parameter list returns it unchanged.
type Resolver interface {
	Resolve(params []string) ([]string, error)
}

// S3Resolver replaces input-set placeholders with their S3 prefixes.
// Literal s3:// URIs pass through unchanged.
type S3Resolver struct {
	ctx *Context
}

// NewS3Resolver creates a resolver for the given context
func NewS3Resolver(ctx *Context) *S3Resolver {
	return &S3Resolver{ctx: ctx}
}

func (r *S3Resolver) Resolve(params []string) ([]string, error) {
	return resolveAll(params, r.ResolveString)
}

// ResolveString resolves a single parameter, preserving its whitespace
func (r *S3Resolver) ResolveString(param string) (string, error) {
	var firstErr error
	out := tokenPattern.ReplaceAllStringFunc(param, func(token string) string {
		return placeholderPattern.ReplaceAllStringFunc(token, func(placeholder string) string {
			key := placeholderPattern.FindStringSubmatch(placeholder)[1]
			set, ok := r.ctx.Lookup(key)
			if !ok {
				if firstErr == nil {
					firstErr = errors.WithDetailf(
						errors.Wrapf(ErrUnboundInputSet, "resolve %s", placeholder),
						"job %s has no input set %q", r.ctx.JobID, key)
				}
				return placeholder
			}
			return set.S3Prefix(r.ctx.Bucket)
		})
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// EmrScriptResolver prepares script parameters for the compute backend.
// It resolves placeholders like S3Resolver, normalizes s3a:// and s3n:// to s3://,
// and in local mode maps s3://bucket/key to <LocalRoot>/bucket/key.
type EmrScriptResolver struct {
	s3    *S3Resolver
	local bool
}

// NewEmrScriptResolver creates a script resolver; local selects the local file mapping
func NewEmrScriptResolver(ctx *Context, local bool) *EmrScriptResolver {
	return &EmrScriptResolver{s3: NewS3Resolver(ctx), local: local}
}

func (r *EmrScriptResolver) Resolve(params []string) ([]string, error) {
	return resolveAll(params, r.ResolveString)
}

// ResolveString resolves a single script parameter
func (r *EmrScriptResolver) ResolveString(param string) (string, error) {
	out, err := r.s3.ResolveString(param)
	if err != nil {
		return "", err
	}
	out = tokenPattern.ReplaceAllStringFunc(out, func(token string) string {
		token = s3SchemePattern.ReplaceAllString(token, "s3://")
		if !r.local {
			return token
		}
		return s3URIPattern.ReplaceAllStringFunc(token, r.localPath)
	})
	return out, nil
}

func (r *EmrScriptResolver) localPath(uri string) string {
	m := s3URIPattern.FindStringSubmatch(uri)
	path := filepath.Join(r.s3.ctx.LocalRoot, m[1], m[2])
	// Keep the trailing slash of prefixes
	if strings.HasSuffix(uri, "/") && !strings.HasSuffix(path, "/") {
		path += "/"
	}
	return path
}

func resolveAll(params []string, resolve func(string) (string, error)) ([]string, error) {
	out := make([]string, len(params))
	for i, p := range params {
		resolved, err := resolve(p)
		if err != nil {
			return nil, err
		}
		out[i] = resolved
	}
	return out, nil
}

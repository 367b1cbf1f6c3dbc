package vcs

import (
	"context"
	"errors"
	"testing"
)

type stubResolver struct {
	kind ProviderKind
}

func (s *stubResolver) Platform() ProviderKind { return s.kind }
func (s *stubResolver) ChooseReference(context.Context, string) (*Reference, error) {
	return nil, nil
}
func (s *stubResolver) GetRemoteFile(context.Context, string, string) ([]byte, error) {
	return nil, ErrFileNotFound
}

func TestRegistryBuild(t *testing.T) {
	reg := NewResolverRegistry()
	reg.Register(KindGitHub, func(settings *ResolverSettings) (ReferenceResolver, error) {
		return &stubResolver{kind: KindGitHub}, nil
	})

	r, err := reg.Build(&ResolverSettings{Kind: KindGitHub, RepoURL: "https://github.com/a/b"})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if r.Platform() != KindGitHub {
		t.Errorf("Platform = %v", r.Platform())
	}
}

func TestRegistryBuild_UnregisteredKind(t *testing.T) {
	reg := NewResolverRegistry()
	_, err := reg.Build(&ResolverSettings{Kind: KindGitLab, RepoURL: "https://gitlab.com/a/b"})
	if !errors.Is(err, ErrResolverUnavailable) {
		t.Errorf("error = %v, want ErrResolverUnavailable", err)
	}
}

func TestRegistryBuild_InvalidSettings(t *testing.T) {
	reg := NewResolverRegistry()
	_, err := reg.Build(&ResolverSettings{Kind: "svn", RepoURL: "https://example.com/a/b"})
	if !errors.Is(err, ErrUnknownProviderKind) {
		t.Errorf("error = %v, want ErrUnknownProviderKind", err)
	}
}

func TestRegistryHasKindAndAvailable(t *testing.T) {
	reg := NewResolverRegistry()
	if reg.HasKind(KindBitbucket) {
		t.Error("empty registry should have no kinds")
	}

	reg.Register(KindBitbucket, func(*ResolverSettings) (ReferenceResolver, error) {
		return &stubResolver{kind: KindBitbucket}, nil
	})

	if !reg.HasKind(KindBitbucket) {
		t.Error("HasKind(bitbucket) = false after Register")
	}
	if kinds := reg.AvailableKinds(); len(kinds) != 1 || kinds[0] != KindBitbucket {
		t.Errorf("AvailableKinds = %v", kinds)
	}
}

package procmgr

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"galaxyctl/internal/config"
	"galaxyctl/internal/errdefs"
	"galaxyctl/pkg/logging"
)

const (
	markerHeader = "This file is maintained by galaxyctl - CHANGES WILL BE OVERWRITTEN"
	markerPrefix = "galaxyctl-"

	markerConfigHash = "config-hash"
	markerInstance   = "instance"
	markerPrograms   = "programs"
)

// Artifact is one file a backend manages.
type Artifact struct {
	Path string
	// Name is what the native process manager calls the artifact, used to
	// deactivate it before it is unlinked.
	Name string
	// Group marks grouping artifacts (supervisor groups, systemd targets).
	// They are deactivated and removed before their members.
	Group bool
}

// ArtifactSet is a set of artifacts keyed by path.
type ArtifactSet map[string]Artifact

// NewArtifactSet returns a set holding artifacts.
func NewArtifactSet(artifacts ...Artifact) ArtifactSet {
	s := make(ArtifactSet, len(artifacts))
	for _, a := range artifacts {
		s.Add(a)
	}
	return s
}

func (s ArtifactSet) Add(a Artifact) {
	s[a.Path] = a
}

// Has reports whether the set contains an artifact at path.
func (s ArtifactSet) Has(path string) bool {
	_, ok := s[path]
	return ok
}

// Union adds every artifact of o to s.
func (s ArtifactSet) Union(o ArtifactSet) ArtifactSet {
	for _, a := range o {
		s.Add(a)
	}
	return s
}

// Minus returns the artifacts of s whose path is not in o.
func (s ArtifactSet) Minus(o ArtifactSet) ArtifactSet {
	out := make(ArtifactSet)
	for p, a := range s {
		if !o.Has(p) {
			out[p] = a
		}
	}
	return out
}

// Sorted returns the artifacts with groups first, then by path.
func (s ArtifactSet) Sorted() []Artifact {
	out := make([]Artifact, 0, len(s))
	for _, a := range s {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Group != out[j].Group {
			return out[i].Group
		}
		return out[i].Path < out[j].Path
	})
	return out
}

// Paths returns the sorted artifact paths.
func (s ArtifactSet) Paths() []string {
	paths := make([]string, 0, len(s))
	for p := range s {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Owner attributes artifacts to a declaration. Artifacts carrying a path
// hash belong to exactly one declaration; instance-wide artifacts (the
// supervisor group file) belong to every declaration of the instance.
type Owner struct {
	PathHash string
	Instance string
}

// Matches reports whether cfg owns artifacts attributed to o.
func (o Owner) Matches(cfg *config.ConfigFile) bool {
	if o.PathHash != "" {
		return o.PathHash == cfg.PathHash()
	}
	return o.Instance != "" && o.Instance == cfg.InstanceName
}

func (o Owner) String() string {
	if o.PathHash != "" {
		return "config " + o.PathHash
	}
	return "instance " + o.Instance
}

// OwnedArtifacts are the artifacts found on disk for one owner.
type OwnedArtifacts struct {
	Owner     Owner
	Artifacts ArtifactSet
}

// attributed returns the artifacts of all that cfg owns.
func attributed(all []OwnedArtifacts, cfg *config.ConfigFile) ArtifactSet {
	out := make(ArtifactSet)
	for _, owned := range all {
		if owned.Owner.Matches(cfg) {
			out.Union(owned.Artifacts)
		}
	}
	return out
}

// groupByOwner collects artifacts into one OwnedArtifacts per owner, in a
// stable order.
func groupByOwner(owners map[Owner]ArtifactSet) []OwnedArtifacts {
	out := make([]OwnedArtifacts, 0, len(owners))
	for o, set := range owners {
		out = append(out, OwnedArtifacts{Owner: o, Artifacts: set})
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Owner.String() < out[j].Owner.String()
	})
	return out
}

// markerBlock renders the comment block that marks a file as ours.
func markerBlock(comment string, values ...[2]string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n", comment)
	fmt.Fprintf(&b, "%s %s\n", comment, markerHeader)
	for _, kv := range values {
		fmt.Fprintf(&b, "%s %s%s: %s\n", comment, markerPrefix, kv[0], kv[1])
	}
	fmt.Fprintf(&b, "%s\n", comment)
	return b.String()
}

// readMarkers returns the marker values of the file at path. ok is false
// when the file does not carry the header, i.e. it is not ours.
func readMarkers(path string) (markers map[string]string, ok bool, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false, err
	}
	return parseMarkers(data)
}

func parseMarkers(data []byte) (map[string]string, bool, error) {
	markers := make(map[string]string)
	found := false
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, ";") && !strings.HasPrefix(line, "#") {
			if line == "" {
				continue
			}
			// markers only live in the leading comment block
			break
		}
		line = strings.TrimSpace(line[1:])
		if line == markerHeader {
			found = true
			continue
		}
		if rest, ok := strings.CutPrefix(line, markerPrefix); ok {
			if key, value, ok := strings.Cut(rest, ":"); ok {
				markers[strings.TrimSpace(key)] = strings.TrimSpace(value)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}
	return markers, found, nil
}

// writeArtifact writes content to path unless the file already holds
// exactly that content; force rewrites it anyway. An existing file that
// does not carry our marker, or that another declaration owns, is an
// ownership conflict and is left untouched, force or not.
func writeArtifact(path, content, ownerHash string, force bool) (bool, error) {
	existing, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
	case err != nil:
		return false, err
	default:
		markers, ours, err := parseMarkers(existing)
		if err != nil {
			return false, err
		}
		if !ours {
			return false, &errdefs.OwnershipConflictError{Artifact: path, Expected: ownerHash, Foreign: true}
		}
		if owner := markers[markerConfigHash]; ownerHash != "" && owner != ownerHash {
			return false, &errdefs.OwnershipConflictError{Artifact: path, Owner: owner, Expected: ownerHash}
		}
		if !force && string(existing) == content {
			logging.Debug("Artifacts", "No changes to %s", path)
			return false, nil
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return false, err
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return false, err
	}
	logging.Debug("Artifacts", "Wrote %s", path)
	return true, nil
}

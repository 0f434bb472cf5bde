// internal/install/action.go
package install

import (
	"fmt"

	"depot/internal/manifest"
)

// Kind identifies the operation an action requests.
type Kind int

const (
	KindInstall Kind = iota
	KindUpdate
	KindRepair
	KindUninstall
)

func (k Kind) String() string {
	switch k {
	case KindInstall:
		return "install"
	case KindUpdate:
		return "update"
	case KindRepair:
		return "repair"
	case KindUninstall:
		return "uninstall"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Action describes one requested operation: an optional current (deployed)
// manifest paired with an optional target manifest, scoped to an install
// subdirectory and a file-tag filter.
//
// Current is present for update/repair/uninstall (the pre-existing
// deployment) and absent for a fresh install. Target is absent only for
// uninstall. An empty TaggedFiles set means every file in the target
// manifest.
type Action struct {
	Kind          Kind
	Current       *manifest.ContentManifest
	Target        *manifest.ContentManifest
	InstallSubdir string
	TaggedFiles   map[string]struct{}
}

func (a *Action) validate() error {
	switch a.Kind {
	case KindUninstall:
		if a.Current == nil {
			return fmt.Errorf("%s action requires a current manifest", a.Kind)
		}
	case KindInstall:
		if a.Target == nil {
			return fmt.Errorf("%s action requires a target manifest", a.Kind)
		}
	case KindUpdate, KindRepair:
		if a.Target == nil {
			return fmt.Errorf("%s action requires a target manifest", a.Kind)
		}
		if a.Current == nil {
			return fmt.Errorf("%s action requires a current manifest", a.Kind)
		}
	default:
		return fmt.Errorf("unknown action kind %d", int(a.Kind))
	}
	return nil
}

// manifests returns the manifests reachable from the action, current first.
// Visitation order matters: chunk aggregation prefers entries from current
// manifests so bytes already on disk win over the same chunk described by
// the fresh download.
func (a *Action) manifests() []*manifest.ContentManifest {
	var ms []*manifest.ContentManifest
	if a.Current != nil {
		ms = append(ms, a.Current)
	}
	if a.Target != nil {
		ms = append(ms, a.Target)
	}
	return ms
}

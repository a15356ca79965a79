package overlayfs

import (
	"os"
	"path"

	"github.com/spf13/afero"
)

// Capabilities reports what an afero.Fs layer can do: IsReadOnly,
// SupportsSynch, SupportsLinks, SupportsProps. afero.Fs has no native
// capability-query surface, so these are inferred: a filesystem can opt in
// by implementing the optional interfaces below; otherwise capabilities
// fall back to conservative probes or defaults.
type Capabilities struct {
	ReadOnly      bool
	SupportsSynch bool
	SupportsLinks bool
	SupportsProps bool
}

// readOnlyReporter lets a backing afero.Fs assert its own read-only-ness
// instead of having the engine probe for it.
type readOnlyReporter interface {
	IsReadOnly() bool
}

type linksReporter interface {
	SupportsLinks() bool
}

type propsReporter interface {
	SupportsProps() bool
}

// capabilitiesOf inspects fs for the optional reporter interfaces above,
// falling back to a probe (for read-only) or a safe default (for links,
// which this module never supports regardless of the backing layer's own
// ability to).
func capabilitiesOf(fsys afero.Fs, assumeReadOnly bool) Capabilities {
	caps := Capabilities{
		ReadOnly:      assumeReadOnly,
		SupportsSynch: true, // afero.Fs has no async variant; the sync path never yields
		SupportsLinks: false,
		SupportsProps: true,
	}

	if r, ok := fsys.(readOnlyReporter); ok {
		caps.ReadOnly = r.IsReadOnly()
	} else if !assumeReadOnly {
		caps.ReadOnly = probeReadOnly(fsys)
	}

	if l, ok := fsys.(linksReporter); ok {
		caps.SupportsLinks = l.SupportsLinks()
	}

	if p, ok := fsys.(propsReporter); ok {
		caps.SupportsProps = p.SupportsProps()
	}

	return caps
}

// probeReadOnly attempts a throwaway create+remove against fsys to
// determine whether it actually accepts writes, used only when the caller
// hasn't told us and the concrete type doesn't self-report.
func probeReadOnly(fsys afero.Fs) bool {
	probe := path.Join(string(os.PathSeparator), ".overlayfs-writable-probe")
	f, err := fsys.OpenFile(probe, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o600)
	if err != nil {
		return true
	}
	f.Close()
	fsys.Remove(probe)
	return false
}

// SupportsLinks always reports false: hard links and symbolic links are
// unsupported by this module regardless of what the backing layers can do.
func (eng *Engine) SupportsLinks() bool { return false }

// IsReadOnly reports whether the engine's writable layer is itself
// read-only. An Engine is always writable by construction (New rejects a
// read-only writable layer), so this always returns false.
func (eng *Engine) IsReadOnly() bool { return false }

// SupportsSynch reports whether both layers support synchronous operation.
func (eng *Engine) SupportsSynch() bool {
	return eng.writableCaps.SupportsSynch && eng.readableCaps.SupportsSynch
}

// SupportsProps reports whether both layers support properties (mode,
// mtime, etc. beyond existence).
func (eng *Engine) SupportsProps() bool {
	return eng.writableCaps.SupportsProps && eng.readableCaps.SupportsProps
}

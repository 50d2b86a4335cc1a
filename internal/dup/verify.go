package dup

import (
	"context"
	"fmt"
	"sort"

	"dup-go/internal/model"
	"dup-go/internal/volume"
)

// remoteListing is the parsed backend listing for one prefix.
type remoteListing struct {
	// volumes maps names with our prefix (other than shadows) to their size.
	volumes map[string]int64
	parsed  map[string]volume.Name
	shadows []volume.Name
	// foreign counts parseable names with another prefix.
	foreign map[string]int
	// unparseable lists names outside the volume scheme.
	unparseable []string
}

// listRemote lists and parses the backend contents. A missing folder is
// created when allowed, yielding an empty listing.
func listRemote(ctx context.Context, bm *BackendManager, opts *Options, logger Logger) (*remoteListing, error) {
	files, err := bm.List(ctx)
	if KindOf(err) == KindFolderMissing && opts.AutoCreateFolder {
		logger.Info("remote folder is missing, creating it")
		if err := bm.CreateFolder(ctx); err != nil {
			return nil, err
		}
		files, err = nil, nil
	}
	if err != nil {
		return nil, err
	}

	l := &remoteListing{
		volumes: make(map[string]int64),
		parsed:  make(map[string]volume.Name),
		foreign: make(map[string]int),
	}
	for _, f := range files {
		n, err := volume.ParseName(f.Name)
		if err != nil {
			l.unparseable = append(l.unparseable, f.Name)
			logger.Debug("ignoring remote file outside the volume scheme", "name", f.Name)
			continue
		}
		if n.Prefix != opts.Prefix {
			l.foreign[n.Prefix]++
			continue
		}
		if n.Type == model.VolumeShadow {
			l.shadows = append(l.shadows, n)
			continue
		}
		l.volumes[f.Name] = f.Size
		l.parsed[f.Name] = n
	}
	sort.Slice(l.shadows, func(i, j int) bool { return l.shadows[i].Time.Before(l.shadows[j].Time) })
	return l, nil
}

// namesOfType returns the parsed names of one volume type, oldest first.
func (l *remoteListing) namesOfType(typ model.VolumeType) []volume.Name {
	var names []volume.Name
	for _, n := range l.parsed {
		if n.Type == typ {
			names = append(names, n)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if names[i].Time.Equal(names[j].Time) {
			return names[i].String() < names[j].String()
		}
		return names[i].Time.Before(names[j].Time)
	})
	return names
}

// verifyRemoteList compares the remote listing with the volumes the database
// expects. Uploaded volumes found with the recorded size are promoted to
// Verified in tx. Drift is reported as a *ConsistencyError.
func verifyRemoteList(ctx context.Context, tx Tx, bm *BackendManager, opts *Options, logger Logger) error {
	listing, err := listRemote(ctx, bm, opts, logger)
	if err != nil {
		return err
	}
	vols, err := tx.ListRemoteVolumes(ctx)
	if err != nil {
		return fmt.Errorf("listing volumes: %w", err)
	}

	filesets, err := tx.ListFilesets(ctx)
	if err != nil {
		return fmt.Errorf("listing filesets: %w", err)
	}
	withFileset := make(map[string]bool, len(filesets))
	for _, fs := range filesets {
		withFileset[fs.VolumeName] = true
	}

	known := make(map[string]bool, len(vols))
	ce := &ConsistencyError{}
	for _, v := range vols {
		known[v.Name] = true
		size, present := listing.volumes[v.Name]
		switch v.State {
		case model.StateTemporary:
			// A fileset on a Temporary volume belongs to an interrupted backup.
			if present || withFileset[v.Name] {
				ce.Unfinished = append(ce.Unfinished, v.Name)
			}
		case model.StateUploading, model.StateDeleted:
			ce.Unfinished = append(ce.Unfinished, v.Name)
		case model.StateUploaded, model.StateVerified:
			if !present || (v.Size >= 0 && size != v.Size) {
				ce.Missing = append(ce.Missing, v.Name)
				continue
			}
			if v.State == model.StateUploaded {
				if err := tx.SetRemoteVolumeState(ctx, v.Name, model.StateVerified); err != nil {
					return fmt.Errorf("marking %s verified: %w", v.Name, err)
				}
			}
		}
	}
	for name := range listing.volumes {
		if !known[name] {
			ce.Extra = append(ce.Extra, name)
		}
	}
	sort.Strings(ce.Extra)

	if len(ce.Extra) > 0 || len(ce.Missing) > 0 || len(ce.Unfinished) > 0 {
		for _, name := range ce.Extra {
			logger.Warn("extra remote file", "name", name)
		}
		for _, name := range ce.Missing {
			logger.Warn("missing remote file", "name", name)
		}
		for _, name := range ce.Unfinished {
			logger.Warn("unfinished remote file", "name", name)
		}
		return ce
	}
	return nil
}

package destinations

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/ratchetd/ratchet/internal/xerrors"
)

type filesystemDestination struct {
	desc Descriptor
}

func newFilesystem(d Descriptor) *filesystemDestination {
	return &filesystemDestination{desc: d}
}

func (f *filesystemDestination) Deliver(ctx context.Context, payload json.RawMessage, dctx DeliveryContext) (*int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	path := renderTemplate(f.desc.Path, dctx)

	perm := os.FileMode(0o644)
	if f.desc.Permissions != "" {
		parsed, err := strconv.ParseUint(f.desc.Permissions, 8, 32)
		if err != nil {
			return nil, xerrors.Permanent(xerrors.CodeInvalidInput,
				fmt.Sprintf("invalid permissions %q", f.desc.Permissions), err)
		}
		perm = os.FileMode(parsed)
	}

	if f.desc.CreateDirs {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, xerrors.Transient(xerrors.CodeResourceBusy, "create output directories", err)
		}
	}

	if _, err := os.Stat(path); err == nil {
		if !f.desc.Overwrite {
			return nil, xerrors.Permanent("output_exists",
				fmt.Sprintf("output file %s already exists", path), nil)
		}
		if f.desc.BackupExisting {
			if err := os.Rename(path, path+".bak"); err != nil {
				return nil, xerrors.Transient(xerrors.CodeResourceBusy, "backup existing output", err)
			}
		}
	}

	body, err := f.render(payload)
	if err != nil {
		return nil, err
	}

	if err := os.WriteFile(path, body, perm); err != nil {
		return nil, xerrors.Transient(xerrors.CodeResourceBusy, "write output file", err)
	}
	return nil, nil
}

func (f *filesystemDestination) render(payload json.RawMessage) ([]byte, error) {
	format := f.desc.Format
	if format == "" {
		format = "json"
	}

	switch format {
	case "json":
		var buf any
		if err := json.Unmarshal(payload, &buf); err != nil {
			return nil, xerrors.Permanent(xerrors.CodeInvalidInput, "output is not valid JSON", err)
		}
		return json.MarshalIndent(buf, "", "  ")
	case "yaml":
		var buf any
		if err := json.Unmarshal(payload, &buf); err != nil {
			return nil, xerrors.Permanent(xerrors.CodeInvalidInput, "output is not valid JSON", err)
		}
		return yaml.Marshal(buf)
	default:
		return nil, xerrors.Permanent(xerrors.CodeUnsupported,
			fmt.Sprintf("unsupported output format %q", format), nil)
	}
}

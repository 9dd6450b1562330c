package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"compositor/internal/config"
)

// CompositeRequest is the parsed composite command line.
type CompositeRequest struct {
	// Control is assembled from discrete flags; ControlFile, when set,
	// replaces it wholesale.
	Control     config.Control
	ControlFile string
	Quiet       bool
	Help        bool
	// Settings holds --config KEY VALUE pairs, e.g. COMPOSITOR_SCHEMA.
	Settings map[string]string
	// documentFlags records whether any flag contributed to Control.
	documentFlags bool
}

// ParseCompositeArgs parses the order-sensitive composite flags. -c and -qm
// apply to the most recent -i; -s KEY VALUE appends a stage when KEY is
// "quality" or "class" and otherwise sets a parameter on the most recent stage.
func ParseCompositeArgs(args []string) (*CompositeRequest, error) {
	req := &CompositeRequest{}
	ctrl := &req.Control

	for i := 0; i < len(args); i++ {
		name, inline, hasInline := splitFlag(args[i])

		// take returns the next n operands of the current flag.
		take := func(n int) ([]string, error) {
			if hasInline {
				if n != 1 {
					return nil, fmt.Errorf("%s takes %d values", name, n)
				}
				return []string{inline}, nil
			}
			if i+n >= len(args) {
				return nil, fmt.Errorf("%s needs %d value(s)", name, n)
			}
			vals := args[i+1 : i+1+n]
			i += n
			return vals, nil
		}

		switch name {
		case "-h", "--help":
			req.Help = true
		case "-q", "--quiet":
			req.Quiet = true
		case "-i", "--input":
			v, err := take(1)
			if err != nil {
				return nil, err
			}
			ctrl.Inputs = append(ctrl.Inputs, config.Input{Filename: v[0], Metadata: map[string]float64{}})
			req.documentFlags = true
		case "-c", "--cloud":
			v, err := take(1)
			if err != nil {
				return nil, err
			}
			if len(ctrl.Inputs) == 0 {
				return nil, fmt.Errorf("%s must follow an -i input", name)
			}
			ctrl.Inputs[len(ctrl.Inputs)-1].CloudFile = v[0]
		case "-qm", "--metadata":
			v, err := take(2)
			if err != nil {
				return nil, err
			}
			if len(ctrl.Inputs) == 0 {
				return nil, fmt.Errorf("%s must follow an -i input", name)
			}
			if err := ctrl.Inputs[len(ctrl.Inputs)-1].SetMeta(v[0], v[1]); err != nil {
				return nil, err
			}
		case "-s", "--stage":
			v, err := take(2)
			if err != nil {
				return nil, err
			}
			key, val := v[0], v[1]
			if key == "quality" || key == config.KeyClass {
				ctrl.Compositors = append(ctrl.Compositors, config.Stage{Class: val, Params: map[string]any{}})
				req.documentFlags = true
				continue
			}
			if len(ctrl.Compositors) == 0 {
				return nil, fmt.Errorf("stage parameter %q given before any -s quality CLASS", key)
			}
			ctrl.Compositors[len(ctrl.Compositors)-1].Params[key] = val
		case "-o", "--output":
			v, err := take(1)
			if err != nil {
				return nil, err
			}
			ctrl.OutputFile = v[0]
			req.documentFlags = true
		case "-st", "--source-trace":
			v, err := take(1)
			if err != nil {
				return nil, err
			}
			ctrl.SourceTrace = v[0]
			req.documentFlags = true
		case "-qo", "--quality-output":
			v, err := take(1)
			if err != nil {
				return nil, err
			}
			ctrl.QualityOutput = v[0]
			req.documentFlags = true
		case "--config":
			v, err := take(2)
			if err != nil {
				return nil, err
			}
			if req.Settings == nil {
				req.Settings = map[string]string{}
			}
			req.Settings[v[0]] = v[1]
		case "-j", "--load-config":
			v, err := take(1)
			if err != nil {
				return nil, err
			}
			req.ControlFile = v[0]
		case "--workers", "--block-size":
			v, err := take(1)
			if err != nil {
				return nil, err
			}
			n, err := strconv.Atoi(v[0])
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%s: %q is not a non-negative integer", name, v[0])
			}
			if name == "--workers" {
				ctrl.Workers = n
			} else {
				ctrl.BlockSize = n
			}
		default:
			return nil, fmt.Errorf("unknown argument %q", args[i])
		}
	}

	if req.ControlFile != "" && req.documentFlags {
		return nil, errors.New("--load-config replaces the whole control document; drop -i, -s, -o, -st and -qo")
	}
	return req, nil
}

// Resolve returns the control document to run: the loaded -j file with any
// --workers/--block-size overrides, or the flag-built document.
func (r *CompositeRequest) Resolve() (*config.Control, error) {
	if r.ControlFile == "" {
		ctrl := r.Control
		if err := ctrl.Validate(); err != nil {
			return nil, err
		}
		return &ctrl, nil
	}
	ctrl, err := config.LoadControl(r.ControlFile)
	if err != nil {
		return nil, err
	}
	if r.Control.Workers > 0 {
		ctrl.Workers = r.Control.Workers
	}
	if r.Control.BlockSize > 0 {
		ctrl.BlockSize = r.Control.BlockSize
	}
	return ctrl, nil
}

// splitFlag separates "--name=value". Short flags never carry inline values.
func splitFlag(arg string) (name, value string, ok bool) {
	if strings.HasPrefix(arg, "--") {
		if eq := strings.IndexByte(arg, '='); eq > 0 {
			return arg[:eq], arg[eq+1:], true
		}
	}
	return arg, "", false
}

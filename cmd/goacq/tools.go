package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/observatory-tools/goacq/cmdsrv"
	"github.com/observatory-tools/goacq/errkind"
	"github.com/observatory-tools/goacq/exposure"
	"github.com/observatory-tools/goacq/focalplane"
	"github.com/observatory-tools/goacq/imgrec"
)

// arg fetches one argument by position or keyword name
func arg(args []string, kwargs map[string]string, i int, name string) (string, bool) {
	if v, ok := kwargs[name]; ok {
		return v, true
	}
	if i < len(args) {
		return args[i], true
	}
	return "", false
}

func argInt(args []string, kwargs map[string]string, i int, name string, def int) (int, error) {
	s, ok := arg(args, kwargs, i, name)
	if !ok {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errkind.Newf(errkind.Protocol, "%s: %q is not an integer", name, s)
	}
	return n, nil
}

func argFloat(args []string, kwargs map[string]string, i int, name string, def float64) (float64, error) {
	s, ok := arg(args, kwargs, i, name)
	if !ok {
		return def, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, errkind.Newf(errkind.Protocol, "%s: %q is not a number", name, s)
	}
	return f, nil
}

func argBool(args []string, kwargs map[string]string, i int, name string, def bool) (bool, error) {
	s, ok := arg(args, kwargs, i, name)
	if !ok {
		return def, nil
	}
	switch strings.ToLower(s) {
	case "1", "true", "yes", "on":
		return true, nil
	case "0", "false", "no", "off":
		return false, nil
	}
	return false, errkind.Newf(errkind.Protocol, "%s: %q is not a boolean", name, s)
}

func argStr(args []string, kwargs map[string]string, i int, name, def string) string {
	s, ok := arg(args, kwargs, i, name)
	if !ok {
		return def
	}
	return s
}

// secsToDur converts seconds to a Duration; negative values keep the
// current exposure time setting
func secsToDur(secs float64) time.Duration {
	if secs < 0 {
		return exposure.KeepCurrent
	}
	return time.Duration(secs * float64(time.Second))
}

func exposureTool(exp *exposure.Controller) cmdsrv.Tool {
	exposeArgs := func(args []string, kwargs map[string]string) (time.Duration, string, string, error) {
		secs, err := argFloat(args, kwargs, 0, "exposure_time", -1)
		if err != nil {
			return 0, "", "", err
		}
		imageType := argStr(args, kwargs, 1, "image_type", "")
		title := argStr(args, kwargs, 2, "image_title", "")
		return secsToDur(secs), imageType, title, nil
	}
	sequenceArgs := func(args []string, kwargs map[string]string) (int, exposure.FlushPolicy, time.Duration, error) {
		n, err := argInt(args, kwargs, 0, "number_exposures", 1)
		if err != nil {
			return 0, 0, 0, err
		}
		policy, err := argInt(args, kwargs, 1, "flush_array_flag", int(exposure.FlushDefault))
		if err != nil {
			return 0, 0, 0, err
		}
		delay, err := argFloat(args, kwargs, 2, "delay", -1)
		if err != nil {
			return 0, 0, 0, err
		}
		d := time.Duration(-1)
		if delay >= 0 {
			d = time.Duration(delay * float64(time.Second))
		}
		return n, exposure.FlushPolicy(policy), d, nil
	}

	return cmdsrv.Tool{
		"expose": func(args []string, kwargs map[string]string) (interface{}, error) {
			d, it, title, err := exposeArgs(args, kwargs)
			if err != nil {
				return nil, err
			}
			return nil, exp.Expose(d, it, title)
		},
		"expose1": func(args []string, kwargs map[string]string) (interface{}, error) {
			d, it, title, err := exposeArgs(args, kwargs)
			if err != nil {
				return nil, err
			}
			return nil, exp.Expose1(d, it, title)
		},
		"sequence": func(args []string, kwargs map[string]string) (interface{}, error) {
			n, policy, delay, err := sequenceArgs(args, kwargs)
			if err != nil {
				return nil, err
			}
			return nil, exp.Sequence(n, policy, delay)
		},
		"sequence1": func(args []string, kwargs map[string]string) (interface{}, error) {
			n, policy, delay, err := sequenceArgs(args, kwargs)
			if err != nil {
				return nil, err
			}
			return nil, exp.Sequence1(n, policy, delay)
		},
		"guide": func(args []string, kwargs map[string]string) (interface{}, error) {
			n, err := argInt(args, kwargs, 0, "number_exposures", 1)
			if err != nil {
				return nil, err
			}
			return nil, exp.Guide(n)
		},
		"guide1": func(args []string, kwargs map[string]string) (interface{}, error) {
			n, err := argInt(args, kwargs, 0, "number_exposures", 1)
			if err != nil {
				return nil, err
			}
			return nil, exp.Guide1(n)
		},
		"test": func(args []string, kwargs map[string]string) (interface{}, error) {
			secs, err := argFloat(args, kwargs, 0, "exposure_time", 0)
			if err != nil {
				return nil, err
			}
			shutter, err := argBool(args, kwargs, 1, "shutter", false)
			if err != nil {
				return nil, err
			}
			return nil, exp.Test(time.Duration(secs*float64(time.Second)), shutter)
		},
		"pause": func(args []string, kwargs map[string]string) (interface{}, error) {
			exp.Pause()
			return nil, nil
		},
		"resume": func(args []string, kwargs map[string]string) (interface{}, error) {
			exp.Resume()
			return nil, nil
		},
		"abort": func(args []string, kwargs map[string]string) (interface{}, error) {
			exp.Abort()
			return nil, nil
		},
		"start_readout": func(args []string, kwargs map[string]string) (interface{}, error) {
			exp.StartReadout()
			return nil, nil
		},
		"flush": func(args []string, kwargs map[string]string) (interface{}, error) {
			cycles, err := argInt(args, kwargs, 0, "cycles", 1)
			if err != nil {
				return nil, err
			}
			return nil, exp.Flush(cycles)
		},
		"get_status": func(args []string, kwargs map[string]string) (interface{}, error) {
			return exp.Status(), nil
		},
		"set_exposuretime": func(args []string, kwargs map[string]string) (interface{}, error) {
			secs, err := argFloat(args, kwargs, 0, "exposure_time", -1)
			if err != nil {
				return nil, err
			}
			if secs < 0 {
				return nil, errkind.New(errkind.Protocol, "exposure_time is required")
			}
			return nil, exp.SetExposureTime(time.Duration(secs * float64(time.Second)))
		},
		"get_exposuretime": func(args []string, kwargs map[string]string) (interface{}, error) {
			return exp.ExposureTime().Seconds(), nil
		},
		"get_exposuretime_remaining": func(args []string, kwargs map[string]string) (interface{}, error) {
			rem, err := exp.ExposureTimeRemaining()
			if err != nil {
				return nil, err
			}
			return rem.Seconds(), nil
		},
		"get_pixels_remaining": func(args []string, kwargs map[string]string) (interface{}, error) {
			return exp.PixelsRemaining()
		},
		"set_image_type": func(args []string, kwargs map[string]string) (interface{}, error) {
			t, ok := arg(args, kwargs, 0, "image_type")
			if !ok {
				return nil, errkind.New(errkind.Protocol, "image_type is required")
			}
			exp.SetImageType(t)
			return nil, nil
		},
		"get_image_type": func(args []string, kwargs map[string]string) (interface{}, error) {
			return exp.ImageType, nil
		},
		"set_image_title": func(args []string, kwargs map[string]string) (interface{}, error) {
			title := argStr(args, kwargs, 0, "image_title", "")
			if len(args) > 1 {
				title = strings.Join(args, " ")
			}
			exp.SetImageTitle(title)
			return nil, nil
		},
		"get_image_title": func(args []string, kwargs map[string]string) (interface{}, error) {
			return exp.Title, nil
		},
		"set_roi": func(args []string, kwargs map[string]string) (interface{}, error) {
			names := []string{"first_col", "last_col", "first_row", "last_row", "col_bin", "row_bin"}
			vals := make([]int, 6)
			vals[4], vals[5] = 1, 1
			for i, name := range names {
				v, err := argInt(args, kwargs, i, name, vals[i])
				if err != nil {
					return nil, err
				}
				vals[i] = v
			}
			r := focalplane.ROI{
				FirstCol: vals[0], LastCol: vals[1],
				FirstRow: vals[2], LastRow: vals[3],
				ColBin: vals[4], RowBin: vals[5],
			}
			if err := exp.SetROI(r); err != nil {
				return nil, errkind.Wrap(errkind.Protocol, "set_roi", err)
			}
			return nil, nil
		},
		"get_roi": func(args []string, kwargs map[string]string) (interface{}, error) {
			r := exp.Geom.ROI()
			return []interface{}{r.FirstCol, r.LastCol, r.FirstRow, r.LastRow, r.ColBin, r.RowBin}, nil
		},
		"set_format": func(args []string, kwargs map[string]string) (interface{}, error) {
			names := []string{"vis_cols", "vis_rows", "underscan_cols", "overscan_cols", "underscan_rows", "overscan_rows"}
			vals := make([]int, 6)
			for i, name := range names {
				v, err := argInt(args, kwargs, i, name, 0)
				if err != nil {
					return nil, err
				}
				vals[i] = v
			}
			exp.SetFormat(focalplane.Format{
				VisCols: vals[0], VisRows: vals[1],
				UnderscanCols: vals[2], OverscanCols: vals[3],
				UnderscanRows: vals[4], OverscanRows: vals[5],
			})
			return nil, nil
		},
		"set_focalplane": func(args []string, kwargs map[string]string) (interface{}, error) {
			nx, err := argInt(args, kwargs, 0, "num_amps_x", 1)
			if err != nil {
				return nil, err
			}
			ny, err := argInt(args, kwargs, 1, "num_amps_y", 1)
			if err != nil {
				return nil, err
			}
			var flips []focalplane.FlipCode
			if len(args) > 2 {
				flips, err = parseFlips(args[2:])
				if err != nil {
					return nil, errkind.Wrap(errkind.Protocol, "set_focalplane", err)
				}
			}
			if err := exp.SetFocalPlane(nx, ny, flips); err != nil {
				return nil, errkind.Wrap(errkind.Protocol, "set_focalplane", err)
			}
			return nil, nil
		},
		"set_data_order": func(args []string, kwargs map[string]string) (interface{}, error) {
			order := make([]int, len(args))
			for i, a := range args {
				n, err := strconv.Atoi(a)
				if err != nil {
					return nil, errkind.Newf(errkind.Protocol, "data order %q is not an integer", a)
				}
				order[i] = n
			}
			return nil, exp.SetDataOrder(order)
		},
		"finished": func(args []string, kwargs map[string]string) (interface{}, error) {
			if exp.Finished() {
				return 1, nil
			}
			return 0, nil
		},
		"get_exposureflag": func(args []string, kwargs map[string]string) (interface{}, error) {
			return int(exp.Flag()), nil
		},
	}
}

func controllerTool(exp *exposure.Controller) cmdsrv.Tool {
	return cmdsrv.Tool{
		"reset": func(args []string, kwargs map[string]string) (interface{}, error) {
			return nil, exp.Cam.Reset()
		},
		"is_reset": func(args []string, kwargs map[string]string) (interface{}, error) {
			if exp.Cam.IsReset() {
				return 1, nil
			}
			return 0, nil
		},
		"flush": func(args []string, kwargs map[string]string) (interface{}, error) {
			cycles, err := argInt(args, kwargs, 0, "cycles", 1)
			if err != nil {
				return nil, err
			}
			return nil, exp.Cam.Flush(cycles)
		},
		"set_shutter": func(args []string, kwargs map[string]string) (interface{}, error) {
			open, err := argBool(args, kwargs, 0, "state", false)
			if err != nil {
				return nil, err
			}
			return nil, exp.Cam.SetShutter(open)
		},
	}
}

func recorderTool(rec *imgrec.Recorder) cmdsrv.Tool {
	return cmdsrv.Tool{
		"set_root": func(args []string, kwargs map[string]string) (interface{}, error) {
			root, ok := arg(args, kwargs, 0, "root")
			if !ok {
				return nil, errkind.New(errkind.Protocol, "root is required")
			}
			rec.SetRoot(root)
			return nil, nil
		},
		"get_root": func(args []string, kwargs map[string]string) (interface{}, error) {
			return rec.RootDir(), nil
		},
		"set_prefix": func(args []string, kwargs map[string]string) (interface{}, error) {
			prefix, ok := arg(args, kwargs, 0, "prefix")
			if !ok {
				return nil, errkind.New(errkind.Protocol, "prefix is required")
			}
			rec.SetPrefix(prefix)
			return nil, nil
		},
		"get_prefix": func(args []string, kwargs map[string]string) (interface{}, error) {
			return rec.FilePrefix(), nil
		},
		"set_enabled": func(args []string, kwargs map[string]string) (interface{}, error) {
			on, err := argBool(args, kwargs, 0, "state", true)
			if err != nil {
				return nil, err
			}
			rec.SetEnabled(on)
			return nil, nil
		},
		"get_enabled": func(args []string, kwargs map[string]string) (interface{}, error) {
			if rec.IsEnabled() {
				return 1, nil
			}
			return 0, nil
		},
	}
}

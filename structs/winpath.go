package structs

import "strings"

// WindowsPath is a canonical, case-normalized Windows path: an optional
// drive letter plus an ordered list of lowercased segments. Parsing the
// output of UNCPath gives back an equal path. ParseWindowsPath does not
// recognise DevicePath's \??\ prefix, and the String and PortablePath
// forms of a UNC path parse back without the UNC flag set.
type WindowsPath struct {
	Drive    byte // 0 if none
	UNC      bool // true if parsed from a \\server\share form
	Segments []string
}

// ParseWindowsPath accepts a native backslash path, a UNC path
// (\\server\share\...), a device path (\\?\C:\...), or a portable
// forward-slash path, and normalizes it.
func ParseWindowsPath(raw string) WindowsPath {
	s := raw
	s = strings.TrimPrefix(s, `\\?\`)
	isUNC := strings.HasPrefix(s, `\\`)
	s = strings.ReplaceAll(s, "/", `\`)
	s = strings.TrimPrefix(s, `\\`)

	var drive byte
	if !isUNC && len(s) >= 2 && s[1] == ':' && isASCIILetter(s[0]) {
		drive = toLower(s[0])
		s = s[2:]
	}

	var segs []string
	for _, part := range strings.Split(s, `\`) {
		if part == "" {
			continue
		}
		segs = append(segs, strings.ToLower(part))
	}

	return WindowsPath{Drive: drive, UNC: isUNC, Segments: segs}
}

func isASCIILetter(b byte) bool { return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z') }
func toLower(b byte) byte {
	if b >= 'A' && b <= 'Z' {
		return b + ('a' - 'A')
	}
	return b
}

// String renders the canonical native Windows form, e.g. c:\windows\system32,
// or \server\share\dir for a UNC path.
func (p WindowsPath) String() string {
	var b strings.Builder
	if p.Drive != 0 {
		b.WriteByte(p.Drive)
		b.WriteByte(':')
	}
	for _, seg := range p.Segments {
		b.WriteByte('\\')
		b.WriteString(seg)
	}
	return b.String()
}

// UNCPath renders \\server\share\... for a path parsed from that form, or
// \\?\C:\... extended-length form for a drive-letter path, matching the
// two notions of "UNC" this core distinguishes.
func (p WindowsPath) UNCPath() string {
	if p.UNC {
		return `\\` + strings.Join(p.Segments, `\`)
	}
	if p.Drive == 0 {
		return p.String()
	}
	return `\\?\` + strings.ToUpper(string(p.Drive)) + `:` + strings.TrimPrefix(p.String(), string([]byte{p.Drive, ':'}))
}

// DevicePath renders the NT device-namespace form, \Device\HarddiskVolumeN-style
// roots are out of scope; this renders the \??\C:\... form used for drive-
// letter paths.
func (p WindowsPath) DevicePath() string {
	if p.Drive == 0 {
		return p.String()
	}
	return `\??\` + strings.ToUpper(string(p.Drive)) + `:` + strings.TrimPrefix(p.String(), string([]byte{p.Drive, ':'}))
}

// PortablePath renders a forward-slash form suitable for cross-platform tooling.
func (p WindowsPath) PortablePath() string {
	var b strings.Builder
	if p.Drive != 0 {
		b.WriteByte(p.Drive)
		b.WriteByte(':')
	}
	for _, seg := range p.Segments {
		b.WriteByte('/')
		b.WriteString(seg)
	}
	return b.String()
}

// Join appends segments and returns the resulting path.
func (p WindowsPath) Join(segments ...string) WindowsPath {
	out := WindowsPath{Drive: p.Drive, UNC: p.UNC, Segments: append([]string(nil), p.Segments...)}
	for _, s := range segments {
		out.Segments = append(out.Segments, strings.ToLower(s))
	}
	return out
}

// Parent returns the path one level up, or p unchanged if it has no segments.
func (p WindowsPath) Parent() WindowsPath {
	if len(p.Segments) == 0 {
		return p
	}
	return WindowsPath{Drive: p.Drive, UNC: p.UNC, Segments: p.Segments[:len(p.Segments)-1]}
}

// Leaf returns the final path segment, or "" if there are none.
func (p WindowsPath) Leaf() string {
	if len(p.Segments) == 0 {
		return ""
	}
	return p.Segments[len(p.Segments)-1]
}

package storage

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"strconv"
	"strings"
)

// Location is where an image file lives: a local path or a path on an
// SSH host.
type Location struct {
	Host string
	User string
	Path string
	Port int
}

// IsRemote returns true if the image is reached over SSH.
func (l Location) IsRemote() bool {
	return l.Host != ""
}

func (l Location) String() string {
	if !l.IsRemote() {
		return l.Path
	}
	if l.Port != 0 {
		u := url.URL{Scheme: "ssh", Host: net.JoinHostPort(l.Host, strconv.Itoa(l.Port)), Path: l.Path}
		if l.User != "" {
			u.User = url.User(l.User)
		}
		return u.String()
	}
	if l.User != "" {
		return fmt.Sprintf("%s@%s:%s", l.User, l.Host, l.Path)
	}
	return fmt.Sprintf("%s:%s", l.Host, l.Path)
}

// ParseLocation parses an image argument.
//
// Supported formats:
//   - /absolute/path.img, relative/path.img  local
//   - host:path, user@host:path               SSH, default port
//   - ssh://[user@]host[:port]/path           SSH
//
// A path is only remote if the part before the first colon has no path
// separator, so "/srv/a:b.img" and "./host:x" stay local.
func ParseLocation(arg string) Location {
	if strings.HasPrefix(arg, "ssh://") {
		return parseSSHURL(arg)
	}
	if filepath.IsAbs(arg) || strings.HasPrefix(arg, "./") || strings.HasPrefix(arg, "../") {
		return Location{Path: arg}
	}

	hostPart, pathPart, ok := strings.Cut(arg, ":")
	if !ok || hostPart == "" || strings.ContainsRune(hostPart, '/') {
		return Location{Path: arg}
	}

	var user, host string
	if i := strings.LastIndexByte(hostPart, '@'); i >= 0 {
		user, host = hostPart[:i], hostPart[i+1:]
	} else {
		host = hostPart
	}
	if host == "" {
		return Location{Path: arg}
	}
	return Location{Host: host, User: user, Path: pathPart}
}

func parseSSHURL(raw string) Location {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return Location{Path: raw}
	}
	loc := Location{Host: u.Hostname(), Path: u.Path}
	if p := u.Port(); p != "" {
		if loc.Port, err = strconv.Atoi(p); err != nil {
			return Location{Path: raw}
		}
	}
	if u.User != nil {
		loc.User = u.User.Username()
	}
	return loc
}

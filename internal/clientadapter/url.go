// Copyright (c) 2025-2026, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package clientadapter

import (
	"fmt"
	"net/url"
	"strings"
)

// ClientURL is a parsed downloader.client value: {kind}+{scheme}://
// user:pass@host:port[/path][?torrents_dir=…].
type ClientURL struct {
	Kind        string // transmission, qbittorrent, deluge
	Scheme      string
	Host        string
	Path        string
	Username    string
	Password    string
	TorrentsDir string
}

// ParseClientURL splits the kind+scheme prefix the way qui's reverse
// proxy splits an instance host before handing it to url.Parse.
func ParseClientURL(raw string) (ClientURL, error) {
	kind, rest, ok := strings.Cut(raw, "+")
	if !ok {
		return ClientURL{}, fmt.Errorf("clientadapter: %q is missing the {kind}+ prefix", raw)
	}
	kind = strings.ToLower(kind)
	switch kind {
	case "transmission", "qbittorrent", "deluge":
	default:
		return ClientURL{}, fmt.Errorf("clientadapter: unsupported client kind %q", kind)
	}

	u, err := url.Parse(rest)
	if err != nil {
		return ClientURL{}, fmt.Errorf("clientadapter: parse %q: %w", rest, err)
	}

	c := ClientURL{
		Kind:   kind,
		Scheme: u.Scheme,
		Host:   u.Host,
		Path:   u.Path,
	}
	if u.User != nil {
		c.Username = u.User.Username()
		c.Password, _ = u.User.Password()
	}
	c.TorrentsDir = u.Query().Get("torrents_dir")
	return c, nil
}

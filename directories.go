/*
Inbound Router - mail routing and abuse classification for Freegle groups.
Copyright © 2019-2020 Max Mazurov <fox.cpp@disroot.org>, Maddy Mail Server contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package inboundrouter

import "os"

var (
	DefaultConfigDirectory  = "/etc/inboundrouter"
	DefaultArchiveDirectory = "/var/lib/inboundrouter/incoming"
	DefaultBounceDirectory  = "/var/lib/inboundrouter/bounces"
)

// ConfigFile returns the configuration file used when --config is not
// given. INBOUNDROUTER_CONFIG overrides the built-in path.
func ConfigFile() string {
	if path := os.Getenv("INBOUNDROUTER_CONFIG"); path != "" {
		return path
	}
	return DefaultConfigDirectory + "/inboundrouter.conf"
}

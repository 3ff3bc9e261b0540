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

package spam

import (
	"context"
	"fmt"
)

// CheckImageReuse flags an image attached to many chat messages within a
// short time, which is how bulk chat spam usually looks.
func (c *Classifier) CheckImageReuse(ctx context.Context, hash string) (*Verdict, error) {
	if hash == "" {
		return nil, nil
	}
	n, err := c.Store.ImageUseCount(ctx, hash, c.Now().Add(-ImageWindow))
	if err != nil {
		return nil, err
	}
	if n > ImageThreshold {
		verdictsCnt.WithLabelValues(string(SameImage)).Inc()
		return verdict(SameImage, fmt.Sprintf("Image %s used %d times recently", hash, n)), nil
	}
	return nil, nil
}

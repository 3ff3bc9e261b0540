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

package openmetrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/freegle/inboundrouter/internal/testutils"
	"github.com/prometheus/client_golang/prometheus"
)

func TestMetricsHandler(t *testing.T) {
	cnt := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "inboundrouter",
		Name:      "om_test_total",
		Help:      "test counter",
	})
	prometheus.MustRegister(cnt)
	defer prometheus.Unregister(cnt)
	cnt.Inc()

	e := New("127.0.0.1:0")
	e.Log = testutils.Logger(t, modName)
	if err := e.Start(); err != nil {
		t.Fatal(err)
	}
	defer e.Close()

	rec := httptest.NewRecorder()
	e.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("status %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "inboundrouter_om_test_total 1") {
		t.Errorf("counter missing from output")
	}
}

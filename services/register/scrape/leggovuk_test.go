// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/AleutianAI/legalcascade/services/register/datatypes"
	"github.com/AleutianAI/legalcascade/services/register/session"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const listingPage = `<html><body>
<nav><a href="/help">Help</a></nav>
<table>
  <tr><td><a href="/uksi/2024/512/contents/made">The Clean Air (Designation of Smoke Control Areas) Regulations 2024</a></td></tr>
  <tr><td><a href="https://www.legislation.gov.uk/uksi/2024/513">The
      Water Supply (Amendment)
      Regulations 2024</a></td></tr>
  <tr><td><a href="/ssi/2024/7">Wrong type for this listing</a></td></tr>
  <tr><td><a href="/uksi/2024/512">The Clean Air (Designation of Smoke Control Areas) Regulations 2024</a></td></tr>
</table>
</body></html>`

func newSite(t *testing.T, requests *atomic.Int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/new/uksi/2024-05-13", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte(listingPage))
	})
	mux.HandleFunc("/uksi/2024/512/made", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		_, _ = w.Write([]byte("<p>1. These Regulations may be cited as...</p>"))
	})
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.NotFound(w, r)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func query(from, to int) datatypes.SourceDescriptor {
	return datatypes.SourceDescriptor{
		Kind: datatypes.SourceLegGovUK,
		LegGovUK: &datatypes.LegGovUKQuery{
			Year: 2024, Month: 5, DayFrom: from, DayTo: to,
			TypeCodes: []string{"uksi"},
		},
	}
}

func TestLegGovUK_Fetch(t *testing.T) {
	var requests atomic.Int32
	srv := newSite(t, &requests)
	s, err := NewLegGovUK(LegGovUKConfig{BaseURL: srv.URL, RequestsPerSecond: 1000})
	require.NoError(t, err)

	records, err := s.Fetch(context.Background(), query(12, 13))
	require.NoError(t, err)
	require.Len(t, records, 2)

	clean := records[0]
	assert.Equal(t, "The Clean Air (Designation of Smoke Control Areas) Regulations 2024", clean.Name)
	assert.Equal(t, srv.URL+"/uksi/2024/512", clean.URL)
	assert.Equal(t, "uksi", clean.TypeCode)
	assert.Equal(t, "512", clean.Number)
	assert.Equal(t, 2024, clean.Year)
	assert.Contains(t, clean.Content, "These Regulations may be cited")

	water := records[1]
	assert.Equal(t, "The Water Supply (Amendment) Regulations 2024", water.Name, "whitespace is collapsed")
	assert.Empty(t, water.Content, "a missing made version leaves the content empty")
}

func TestLegGovUK_SkipContent(t *testing.T) {
	var requests atomic.Int32
	srv := newSite(t, &requests)
	s, err := NewLegGovUK(LegGovUKConfig{BaseURL: srv.URL, RequestsPerSecond: 1000, SkipContent: true})
	require.NoError(t, err)

	records, err := s.Fetch(context.Background(), query(13, 13))
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Empty(t, records[0].Content)
	assert.Equal(t, int32(1), requests.Load(), "only the listing is requested")
}

func TestLegGovUK_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()
	s, err := NewLegGovUK(LegGovUKConfig{BaseURL: srv.URL, RequestsPerSecond: 1000})
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), query(1, 1))
	assert.ErrorIs(t, err, ErrUpstream)
}

func TestLegGovUK_RegisteredSource(t *testing.T) {
	var requests atomic.Int32
	srv := newSite(t, &requests)
	s, err := NewLegGovUK(LegGovUKConfig{BaseURL: srv.URL, RequestsPerSecond: 1000, SkipContent: true})
	require.NoError(t, err)

	reg := session.NewRegistry(s)
	assert.Contains(t, reg.Kinds(), datatypes.SourceLegGovUK)

	_, err = reg.Fetch(context.Background(), query(1, 2))
	assert.ErrorIs(t, err, datatypes.ErrInvalidSource, "an empty listing is an invalid source")
}

func TestDedupeNames(t *testing.T) {
	records := dedupeNames([]datatypes.RawRecord{
		{Name: "The Order 2024", TypeCode: "uksi", Year: 2024, Number: "9"},
		{Name: "The Order 2024", TypeCode: "ssi", Year: 2024, Number: "3"},
		{Name: "A Act 2024", TypeCode: "ukpga", Year: 2024, Number: "1"},
	})
	assert.Equal(t, "A Act 2024", records[0].Name)
	assert.Equal(t, "The Order 2024 (ssi 2024/3)", records[1].Name)
	assert.Equal(t, "The Order 2024 (uksi 2024/9)", records[2].Name)
}

func TestNewLegGovUK_InvalidBaseURL(t *testing.T) {
	_, err := NewLegGovUK(LegGovUKConfig{BaseURL: "not a url"})
	assert.Error(t, err)
}

// Package worker implements the download and parse actors that make up a
// job's worker pools.
package worker

import (
	"github.com/JakeFAU/sitemirror/internal/actor"
	"github.com/JakeFAU/sitemirror/internal/crawler"
)

// PoolKind distinguishes the two worker pools of a job.
type PoolKind int

// Pool kinds.
const (
	DownloadPool PoolKind = iota
	ParsePool
)

func (k PoolKind) String() string {
	switch k {
	case DownloadPool:
		return "download"
	case ParsePool:
		return "parse"
	default:
		return "unknown"
	}
}

// RequestPeerPool is sent by a starting worker to its coordinator to learn the
// router of the pool it hands work to.
type RequestPeerPool struct {
	Kind    PoolKind
	ReplyTo actor.Ref
}

// PeerPool answers RequestPeerPool. Receiving it wires the worker.
type PeerPool struct {
	Kind PoolKind
	Pool actor.Ref
}

// WorkerReady tells the coordinator a worker finished wiring.
type WorkerReady struct {
	Kind   PoolKind
	Worker actor.Ref
}

// DownloadHTML asks a download worker to fetch a page.
type DownloadHTML struct {
	Document crawler.CrawlDocument
}

// DownloadImage asks a download worker to fetch an image.
type DownloadImage struct {
	Document crawler.CrawlDocument
}

// DownloadCommand builds the command matching the document kind.
func DownloadCommand(doc crawler.CrawlDocument) any {
	if doc.IsImage {
		return DownloadImage{Document: doc}
	}
	return DownloadHTML{Document: doc}
}

// ParseDocument hands a downloaded page to a parse worker. Requestor is the
// download worker that fetched it and becomes the lease owner of the
// documents the page links to.
type ParseDocument struct {
	Document  crawler.CrawlDocument
	Body      []byte
	Requestor actor.Ref
}

// Outcome classifies a finished download.
type Outcome int

// Download outcomes.
const (
	OutcomeOK Outcome = iota
	OutcomeNotFound
	OutcomeBadRequest
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeBadRequest:
		return "bad_request"
	default:
		return "unknown"
	}
}

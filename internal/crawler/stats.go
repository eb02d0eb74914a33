package crawler

// CrawlJobStats is an immutable snapshot of crawl counters for one job. Every
// operation returns a new value.
type CrawlJobStats struct {
	Job              CrawlJob `json:"job"`
	HTMLDiscovered   int64    `json:"html_discovered"`
	ImagesDiscovered int64    `json:"images_discovered"`
	HTMLDownloaded   int64    `json:"html_downloaded"`
	ImagesDownloaded int64    `json:"images_downloaded"`
	HTMLBytes        int64    `json:"html_bytes"`
	ImageBytes       int64    `json:"image_bytes"`
}

// NewStats returns zeroed stats for job.
func NewStats(job CrawlJob) CrawlJobStats {
	return CrawlJobStats{Job: job}
}

// Merge sums every counter. Stats for a different job are ignored.
func (s CrawlJobStats) Merge(other CrawlJobStats) CrawlJobStats {
	if !s.Job.Equal(other.Job) {
		return s
	}
	s.HTMLDiscovered += other.HTMLDiscovered
	s.ImagesDiscovered += other.ImagesDiscovered
	s.HTMLDownloaded += other.HTMLDownloaded
	s.ImagesDownloaded += other.ImagesDownloaded
	s.HTMLBytes += other.HTMLBytes
	s.ImageBytes += other.ImageBytes
	return s
}

// Reset zeroes the counters and keeps the job.
func (s CrawlJobStats) Reset() CrawlJobStats {
	return NewStats(s.Job)
}

// WithDiscovered counts newly discovered documents.
func (s CrawlJobStats) WithDiscovered(docs []CrawlDocument) CrawlJobStats {
	for _, doc := range docs {
		if doc.IsImage {
			s.ImagesDiscovered++
		} else {
			s.HTMLDiscovered++
		}
	}
	return s
}

// WithCompleted counts one finished download of byteCount bytes.
func (s CrawlJobStats) WithCompleted(doc CrawlDocument, byteCount int64) CrawlJobStats {
	if byteCount < 0 {
		byteCount = 0
	}
	if doc.IsImage {
		s.ImagesDownloaded++
		s.ImageBytes += byteCount
	} else {
		s.HTMLDownloaded++
		s.HTMLBytes += byteCount
	}
	return s
}

// IsEmpty is true until at least one document has been discovered.
func (s CrawlJobStats) IsEmpty() bool {
	return s.HTMLDiscovered == 0 && s.ImagesDiscovered == 0
}

// IsZero is true when every counter is zero.
func (s CrawlJobStats) IsZero() bool {
	return s.IsEmpty() &&
		s.HTMLDownloaded == 0 && s.ImagesDownloaded == 0 &&
		s.HTMLBytes == 0 && s.ImageBytes == 0
}

// TotalDiscovered sums discovered HTML and images.
func (s CrawlJobStats) TotalDiscovered() int64 { return s.HTMLDiscovered + s.ImagesDiscovered }

// TotalDownloaded sums downloaded HTML and images.
func (s CrawlJobStats) TotalDownloaded() int64 { return s.HTMLDownloaded + s.ImagesDownloaded }

// TotalBytes sums downloaded bytes.
func (s CrawlJobStats) TotalBytes() int64 { return s.HTMLBytes + s.ImageBytes }

package worker

import (
	"context"
	"errors"
	"net/url"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawlfleet/internal/crawler"
	"github.com/JakeFAU/crawlfleet/internal/extract"
	"github.com/JakeFAU/crawlfleet/internal/metrics"
)

const tracerName = "github.com/JakeFAU/crawlfleet/internal/worker"

// processJob runs one job through the URL layer, fetch, the content layer,
// persistence and child expansion. Failures are counted, never returned.
func (r *Runtime) processJob(ctx context.Context, job crawler.CrawlJob) {
	ctx, span := r.tracer.Start(ctx, "worker.processJob")
	defer span.End()
	span.SetAttributes(
		attribute.String("crawl.url", job.URL),
		attribute.Int("crawl.depth", job.Depth),
		attribute.String("crawl.worker_id", r.cfg.WorkerID),
	)

	log := r.logger.With(
		zap.String("job_id", job.JobID),
		zap.String("url", job.URL),
		zap.Int("depth", job.Depth),
	)

	if r.limitReached(ctx, job, log) {
		return
	}

	urlDigest := r.hasher.Digest(job.URL)
	first, err := r.store.MarkVisited(ctx, urlDigest)
	if err != nil {
		r.agg.IncErrors()
		metrics.ObserveJob(metrics.OutcomeStoreError)
		log.Error("mark visited failed", zap.Error(err))
		return
	}
	if !first {
		metrics.ObserveJob(metrics.OutcomeVisitedSkip)
		log.Debug("already visited")
		return
	}

	if !waitFor(ctx, r.cfg.RateLimit) {
		return
	}

	log.Info("fetching")
	resp, err := r.fetcher.Fetch(ctx, crawler.FetchRequest{URL: job.URL})
	if errors.Is(err, crawler.ErrRobotsDisallowed) {
		metrics.ObserveJob(metrics.OutcomeRobotsBlocked)
		log.Debug("blocked by robots.txt")
		return
	}
	if err == nil {
		metrics.ObserveFetch(job.URL, resp.StatusCode, len(resp.Body), resp.Duration)
		err = crawler.CheckResponse(resp)
	}
	if err != nil {
		r.agg.IncErrors()
		metrics.ObserveJob(metrics.OutcomeFetchError)
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		log.Warn("fetch failed", zap.Int("status", resp.StatusCode), zap.Error(err))
		return
	}
	r.agg.IncPagesCrawled()

	page, err := extract.Parse(resp.Body, job.URL)
	if err != nil {
		r.agg.IncErrors()
		metrics.ObserveJob(metrics.OutcomeParseError)
		log.Error("parse failed", zap.Error(err))
		r.writeFallback(ctx, urlDigest, resp.Body, log)
		return
	}

	r.storeDocument(ctx, job, urlDigest, resp, page, log)
	r.expand(ctx, job, page.Links, log)
}

// limitReached puts the job back and stops the worker once the cluster-wide
// unique page counter has hit the cap.
func (r *Runtime) limitReached(ctx context.Context, job crawler.CrawlJob, log *zap.Logger) bool {
	if r.cfg.MaxPageLimit <= 0 {
		return false
	}
	count, err := r.store.GetCounter(ctx, crawler.CounterUniquePages)
	if err != nil {
		r.agg.IncErrors()
		metrics.ObserveJob(metrics.OutcomeStoreError)
		log.Error("read page counter failed", zap.Error(err))
		r.requeue(ctx, job, log)
		return true
	}
	if count < r.cfg.MaxPageLimit {
		return false
	}
	metrics.ObserveJob(metrics.OutcomeLimitReached)
	log.Info("global page limit reached", zap.Int64("unique_pages", count), zap.Int64("limit", r.cfg.MaxPageLimit))
	r.requeue(ctx, job, log)
	r.Stop()
	return true
}

func (r *Runtime) requeue(ctx context.Context, job crawler.CrawlJob, log *zap.Logger) {
	if err := r.store.Enqueue(context.WithoutCancel(ctx), job); err != nil {
		log.Error("requeue failed", zap.Error(err))
	}
}

// storeDocument claims the normalized title and persists the page when the
// claim is won and the cap still allows it.
func (r *Runtime) storeDocument(
	ctx context.Context,
	job crawler.CrawlJob,
	urlDigest string,
	resp crawler.FetchResponse,
	page extract.Page,
	log *zap.Logger,
) {
	titleDigest := r.hasher.Digest(r.titles.Normalize(page.Title))
	claimed, err := r.store.ClaimTitle(ctx, titleDigest)
	if err != nil {
		r.agg.IncErrors()
		metrics.ObserveJob(metrics.OutcomeStoreError)
		log.Error("claim title failed", zap.Error(err))
		return
	}
	if !claimed {
		r.agg.IncDuplicates()
		metrics.ObserveJob(metrics.OutcomeDuplicateTitle)
		log.Info("duplicate title skipped", zap.String("title", page.Title))
		return
	}

	count, err := r.store.IncrementCounter(ctx, crawler.CounterUniquePages)
	if err != nil {
		r.agg.IncErrors()
		metrics.ObserveJob(metrics.OutcomeStoreError)
		log.Error("increment page counter failed", zap.Error(err))
		return
	}
	if r.cfg.MaxPageLimit > 0 && count > r.cfg.MaxPageLimit {
		metrics.ObserveJob(metrics.OutcomeLimitReached)
		log.Info("page over global limit discarded", zap.Int64("unique_pages", count))
		r.Stop()
		return
	}
	r.agg.IncUniqueStored()

	uri, err := r.documents.WriteText(ctx, urlDigest, page.Title, page.Text)
	if err != nil {
		r.storageFailed(ctx, urlDigest, resp.Body, err, log)
		return
	}

	imageCount := 0
	if r.images != nil && len(page.Images) > 0 {
		imageCount = r.images.SaveAll(ctx, urlDigest, page.Images, r.documents)
		metrics.AddImagesStored(imageCount)
	}

	now := r.clock.Now()
	meta := crawler.PageMetadata{
		URL:          job.URL,
		URLDigest:    urlDigest,
		Title:        page.Title,
		Depth:        job.Depth,
		ParentURL:    job.ParentURL,
		FetchedAt:    now,
		WorkerID:     r.cfg.WorkerID,
		StatusCode:   resp.StatusCode,
		ContentType:  resp.ContentType(),
		FetchMillis:  resp.Duration.Milliseconds(),
		ImageCount:   imageCount,
		DocumentURI:  uri,
		ContentBytes: len(page.Text),
	}
	if err := r.store.SavePageMetadata(ctx, meta); err != nil {
		r.storageFailed(ctx, urlDigest, resp.Body, err, log)
		return
	}
	metrics.ObserveJob(metrics.OutcomeStored)
	log.Info("document stored", zap.String("title", page.Title), zap.String("uri", uri), zap.Int("images", imageCount))

	r.notify(ctx, crawler.DocumentStored{
		JobID:       job.JobID,
		WorkerID:    r.cfg.WorkerID,
		URL:         job.URL,
		Title:       page.Title,
		DocumentURI: uri,
		StoredAt:    now,
	}, log)
}

func (r *Runtime) storageFailed(ctx context.Context, urlDigest string, raw []byte, err error, log *zap.Logger) {
	r.agg.IncErrors()
	metrics.ObserveJob(metrics.OutcomeStorageError)
	log.Error("store document failed", zap.Error(err))
	r.writeFallback(ctx, urlDigest, raw, log)
}

func (r *Runtime) writeFallback(ctx context.Context, urlDigest string, raw []byte, log *zap.Logger) {
	if _, err := r.documents.WriteRaw(ctx, urlDigest, raw); err != nil {
		log.Error("raw fallback write failed", zap.Error(err))
	}
}

func (r *Runtime) notify(ctx context.Context, event crawler.DocumentStored, log *zap.Logger) {
	if r.publisher == nil || r.cfg.Topic == "" {
		return
	}
	if _, err := r.publisher.Publish(ctx, r.cfg.Topic, event); err != nil {
		log.Warn("publish document event failed", zap.Error(err))
	}
}

// expand enqueues child jobs while the job is below the depth ceiling.
func (r *Runtime) expand(ctx context.Context, job crawler.CrawlJob, hrefs []string, log *zap.Logger) {
	if !r.policy.CanExpand(job.Depth) || len(hrefs) == 0 {
		return
	}
	base, err := url.Parse(job.URL)
	if err != nil {
		log.Warn("parse page url failed", zap.Error(err))
		return
	}
	children := r.policy.Children(job, base, hrefs)
	enqueued := 0
	for _, child := range children {
		if err := r.store.Enqueue(ctx, child); err != nil {
			r.agg.IncErrors()
			log.Error("enqueue child failed", zap.String("child_url", child.URL), zap.Error(err))
			continue
		}
		enqueued++
	}
	r.agg.AddURLsFound(enqueued)
	metrics.AddLinksEnqueued(enqueued)
	log.Debug("children enqueued", zap.Int("count", enqueued))
}

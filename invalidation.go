package main

import (
	"context"
	"errors"

	slogcontext "github.com/veqryn/slog-context"
)

// PurgeURLs drops the cached related posts of every post named by urls.
// URLs that do not resolve to a post are ignored.
func (r *Resolver) PurgeURLs(ctx context.Context, urls []string) (int, error) {
	logger := slogcontext.FromCtx(ctx)
	purged := 0
	var errs []error

	for _, u := range urls {
		postID, err := r.content.URLToPostID(ctx, u)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if postID == 0 {
			logger.Debug("Purge URL does not resolve to a post", "url", u)
			continue
		}
		if err := r.cache.Delete(ctx, r.cfg.Cache.Bucket, postCacheKey(postID)); err != nil {
			errs = append(errs, err)
			continue
		}
		logger.Info("Purged related posts cache", "url", u, "post_id", postID)
		purged++
	}
	return purged, errors.Join(errs...)
}

// OnUpdate drops the cached related posts of an updated post
func (r *Resolver) OnUpdate(ctx context.Context, postID int64) error {
	if err := r.cache.Delete(ctx, r.cfg.Cache.Bucket, postCacheKey(postID)); err != nil {
		return err
	}
	slogcontext.FromCtx(ctx).Debug("Cleared related posts cache on update", "post_id", postID)
	return nil
}

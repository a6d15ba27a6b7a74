// Package adbuilder turns uploaded media into creatives and ads.
package adbuilder

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"adlaunch/campaign"
	"adlaunch/graph"
	"adlaunch/media"
	"adlaunch/upload"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// AdStatus is the status every created ad starts in.
const AdStatus = "PAUSED"

type Uploader interface {
	UploadImage(ctx context.Context, taskID, path string) (string, error)
	UploadVideo(ctx context.Context, taskID, path string) (upload.VideoHandle, error)
}

// Creator creates creatives and ads on the platform.
type Creator interface {
	CreateCreative(ctx context.Context, accountID string, p graph.CreativeParams) (string, error)
	CreateAd(ctx context.Context, accountID string, p graph.AdParams) (string, error)
}

type Canceler interface {
	Check(taskID string) error
}

// Builder builds ads for one campaign run.
type Builder struct {
	uploader Uploader
	creator  Creator
	canceler Canceler
	cfg      *campaign.Config
	workers  int
	log      *zap.Logger
}

func New(uploader Uploader, creator Creator, canceler Canceler, cfg *campaign.Config, workers int, logger *zap.Logger) *Builder {
	if workers <= 0 {
		workers = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		uploader: uploader,
		creator:  creator,
		canceler: canceler,
		cfg:      cfg,
		workers:  workers,
		log:      logger.Named("adbuilder"),
	}
}

// BuildLink appends the UTM string to base, adding the leading "?" when it
// is missing.
func BuildLink(base, utm string) string {
	if utm == "" {
		return base
	}
	if !strings.HasPrefix(utm, "?") {
		utm = "?" + utm
	}
	return base + utm
}

// AdName is the file name without its extension.
func AdName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

func (b *Builder) link() string {
	return BuildLink(b.cfg.Link, b.cfg.URLParameters)
}

func (b *Builder) callToAction(link string) *graph.CallToAction {
	return &graph.CallToAction{Type: b.cfg.CallToAction, Value: graph.CTAValue{Link: link}}
}

// BuildSingleAd uploads item and creates one creative and one paused ad in
// adSetID.
func (b *Builder) BuildSingleAd(ctx context.Context, taskID, adSetID string, item media.Item) (string, error) {
	if err := b.canceler.Check(taskID); err != nil {
		return "", err
	}

	link := b.link()
	spec := graph.ObjectStorySpec{PageID: b.cfg.PageID, InstagramActorID: b.cfg.InstagramActorID}

	switch item.Kind {
	case media.KindImage:
		hash, err := b.uploader.UploadImage(ctx, taskID, item.Path)
		if err != nil {
			return "", err
		}
		spec.LinkData = &graph.LinkData{
			Link:         link,
			ImageHash:    hash,
			Message:      b.cfg.PrimaryText,
			Name:         b.cfg.Headline,
			Description:  b.cfg.Description,
			CallToAction: b.callToAction(link),
		}
	case media.KindVideo:
		video, err := b.uploader.UploadVideo(ctx, taskID, item.Path)
		if err != nil {
			return "", err
		}
		spec.VideoData = &graph.VideoData{
			VideoID:         video.VideoID,
			ImageHash:       video.ThumbnailHash,
			Message:         b.cfg.PrimaryText,
			Title:           b.cfg.Headline,
			LinkDescription: b.cfg.Description,
			CallToAction:    b.callToAction(link),
		}
	default:
		return "", fmt.Errorf("unsupported media %s", item.Name)
	}

	name := AdName(item.Path)
	return b.createAd(ctx, taskID, adSetID, name, name+" Creative", spec)
}

// BuildCarouselAd uploads every item as a card and creates one carousel ad.
// Cards keep the order of items. If any card fails nothing is created.
func (b *Builder) BuildCarouselAd(ctx context.Context, taskID, adSetID string, items []media.Item) (string, error) {
	if err := b.canceler.Check(taskID); err != nil {
		return "", err
	}

	link := b.link()
	cards := make([]graph.CarouselCard, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.workers)
	for i, item := range items {
		g.Go(func() error {
			if err := b.canceler.Check(taskID); err != nil {
				return err
			}
			card := graph.CarouselCard{Link: link, CallToAction: b.callToAction(link)}
			switch item.Kind {
			case media.KindImage:
				hash, err := b.uploader.UploadImage(gctx, taskID, item.Path)
				if err != nil {
					return err
				}
				card.ImageHash = hash
			case media.KindVideo:
				video, err := b.uploader.UploadVideo(gctx, taskID, item.Path)
				if err != nil {
					return err
				}
				card.VideoID = video.VideoID
				card.ImageHash = video.ThumbnailHash
			default:
				return fmt.Errorf("unsupported media %s", item.Name)
			}
			cards[i] = card
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	optimized, endCard := true, false
	spec := graph.ObjectStorySpec{
		PageID:           b.cfg.PageID,
		InstagramActorID: b.cfg.InstagramActorID,
		LinkData: &graph.LinkData{
			Link:                link,
			ChildAttachments:    cards,
			MultiShareOptimized: &optimized,
			MultiShareEndCard:   &endCard,
			Name:                b.cfg.Headline,
			Description:         b.cfg.Description,
			Caption:             b.cfg.PrimaryText,
		},
	}
	return b.createAd(ctx, taskID, adSetID, "Carousel Ad", "Carousel Ad Creative", spec)
}

func (b *Builder) createAd(ctx context.Context, taskID, adSetID, adName, creativeName string, spec graph.ObjectStorySpec) (string, error) {
	if err := b.canceler.Check(taskID); err != nil {
		return "", err
	}

	creativeID, err := b.creator.CreateCreative(ctx, b.cfg.AdAccountID, graph.CreativeParams{
		Name:                 creativeName,
		ObjectStorySpec:      spec,
		DegreesOfFreedomSpec: graph.OptOutEnhancements(),
	})
	if err != nil {
		return "", fmt.Errorf("create creative for %s: %w", adName, err)
	}

	adID, err := b.creator.CreateAd(ctx, b.cfg.AdAccountID, graph.AdParams{
		Name:     adName,
		AdSetID:  adSetID,
		Creative: graph.CreativeRef{CreativeID: creativeID},
		Status:   AdStatus,
	})
	if err != nil {
		return "", fmt.Errorf("create ad %s: %w", adName, err)
	}
	b.log.Info("ad created",
		zap.String("task_id", taskID), zap.String("ad_set_id", adSetID), zap.String("ad_id", adID), zap.String("name", adName))
	return adID, nil
}

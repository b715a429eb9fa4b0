package clustersync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/helmcloud/k8s-posture/internal/compliance"
	"github.com/helmcloud/k8s-posture/internal/events"
	"github.com/helmcloud/k8s-posture/internal/storage"
	"github.com/pkg/errors"
	corev1 "k8s.io/api/core/v1"
)

type containerImage struct {
	ref    string
	digest string
}

// ExtractDigest returns the content digest of a container status image id with its
// algorithm prefix removed, e.g. "docker-pullable://nginx@sha256:abc" gives "abc".
func ExtractDigest(imageID string) string {
	if i := strings.LastIndex(imageID, "sha256:"); i >= 0 {
		return imageID[i+len("sha256:"):]
	}
	if i := strings.Index(imageID, "://"); i >= 0 {
		imageID = imageID[i+len("://"):]
	}
	if i := strings.LastIndex(imageID, "@"); i >= 0 {
		imageID = imageID[i+1:]
	}
	if i := strings.LastIndex(imageID, ":"); i >= 0 {
		return imageID[i+1:]
	}
	return imageID
}

// podImages lists the image of every container, init container and ephemeral container of
// the pod, with the digest taken from the status of the container with the same name.
func podImages(pod *corev1.Pod) []containerImage {
	digests := make(map[string]string)
	for _, statuses := range [][]corev1.ContainerStatus{
		pod.Status.ContainerStatuses,
		pod.Status.InitContainerStatuses,
		pod.Status.EphemeralContainerStatuses,
	} {
		for _, cs := range statuses {
			digests[cs.Name] = ExtractDigest(cs.ImageID)
		}
	}

	var images []containerImage
	add := func(name, image string) {
		if image == "" {
			return
		}
		images = append(images, containerImage{ref: image, digest: digests[name]})
	}
	for _, c := range pod.Spec.Containers {
		add(c.Name, c.Image)
	}
	for _, c := range pod.Spec.InitContainers {
		add(c.Name, c.Image)
	}
	for _, c := range pod.Spec.EphemeralContainers {
		add(c.Name, c.Image)
	}
	return images
}

// syncPods stores the images and pods currently running in the cluster and removes pods
// that stopped running since the last sync.
func (r *clusterRun) syncPods(ctx context.Context) {
	message := fmt.Sprintf("Error while syncing pods for cluster %d", r.cluster.ID)

	pods, err := r.fetcher.ListRunningPods(ctx)
	if err != nil {
		r.fail(ctx, &FetchError{ClusterID: r.cluster.ID, Resource: "pods", Err: err}, events.ActionGet, message)
		return
	}

	podRefs := make([][]containerImage, len(pods))
	podsByRef := make(map[string][]int)
	for i := range pods {
		podRefs[i] = podImages(&pods[i])
		for _, ci := range podRefs[i] {
			podsByRef[ci.ref] = append(podsByRef[ci.ref], i)
		}
	}

	if err := r.saveImages(ctx, podRefs, podsByRef); err != nil {
		r.fail(ctx, &PersistenceError{ClusterID: r.cluster.ID, Entity: "images", Err: err}, events.ActionUpdate, message)
	}

	running := make(map[string]bool, len(pods))
	failed := 0
	var firstErr error
	for i := range pods {
		pod := &pods[i]
		running[pod.Namespace+"/"+pod.Name] = true
		if err := r.savePod(ctx, pod, r.resolveImageIDs(podRefs[i])); err != nil {
			log.Printf("cluster=%d: failed to save pod %s/%s: %v", r.cluster.ID, pod.Namespace, pod.Name, err)
			failed++
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	if failed > 0 {
		err := errors.Wrapf(firstErr, "%d of %d pods not saved", failed, len(pods))
		r.fail(ctx, &PersistenceError{ClusterID: r.cluster.ID, Entity: "pods", Err: err}, events.ActionUpdate,
			fmt.Sprintf("Error while saving pods for cluster %d - not all pods saved properly", r.cluster.ID))
	}

	if err := r.deleteDeadPods(ctx, running); err != nil {
		r.fail(ctx, &PersistenceError{ClusterID: r.cluster.ID, Entity: "pods", Err: err}, events.ActionUpdate, message)
	}

	if err := r.o.store.MarkRunningImages(ctx, r.cluster.ID, r.images.AllIDs()); err != nil {
		r.fail(ctx, &PersistenceError{ClusterID: r.cluster.ID, Entity: "images", Err: err}, events.ActionUpdate, message)
	}
}

// saveImages inserts each distinct (ref, digest) pair once and records its id in the run's
// ImageMap. A failing image does not stop the others.
func (r *clusterRun) saveImages(ctx context.Context, podRefs [][]containerImage, podsByRef map[string][]int) error {
	refs := make([]string, 0, len(podsByRef))
	for ref := range podsByRef {
		refs = append(refs, ref)
	}
	sort.Strings(refs)

	failed := make(map[containerImage]bool)
	var firstErr error
	created := 0
	for _, ref := range refs {
		for _, i := range podsByRef[ref] {
			for _, ci := range podRefs[i] {
				if ci.ref != ref {
					continue
				}
				if _, ok := r.images.Get(ci.ref, ci.digest); ok || failed[ci] {
					continue
				}
				id, isNew, err := r.o.store.SaveImage(ctx, &storage.Image{
					ClusterID: r.cluster.ID,
					Name:      ci.ref,
					Digest:    ci.digest,
				})
				if err != nil {
					failed[ci] = true
					if firstErr == nil {
						firstErr = err
					}
					continue
				}
				r.images.Put(ci.ref, ci.digest, id)
				if isNew {
					created++
				}
			}
		}
	}

	if created > 0 {
		log.Printf("cluster=%d: recorded %d new images, %d distinct in use", r.cluster.ID, created, r.images.Len())
	}
	if len(failed) > 0 {
		return errors.Wrapf(firstErr, "%d images not saved", len(failed))
	}
	return nil
}

// resolveImageIDs maps a pod's container images to stored ids, dropping duplicates and
// images that could not be saved.
func (r *clusterRun) resolveImageIDs(images []containerImage) []int64 {
	seen := make(map[int64]bool)
	var ids []int64
	for _, ci := range images {
		id, ok := r.images.Get(ci.ref, ci.digest)
		if !ok || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// savePod inserts a new pod row. Stored pods are never rewritten; they only gain image
// associations they did not have.
func (r *clusterRun) savePod(ctx context.Context, pod *corev1.Pod, imageIDs []int64) error {
	existing, err := r.o.store.FindPod(ctx, r.cluster.ID, pod.Namespace, pod.Name)
	if err != nil {
		return err
	}
	if existing != 0 {
		_, err := r.o.store.LinkPodImages(ctx, existing, imageIDs)
		return err
	}

	row := &storage.Pod{
		ClusterID:       r.cluster.ID,
		Namespace:       pod.Namespace,
		Name:            pod.Name,
		UID:             string(pod.UID),
		ResourceVersion: pod.ResourceVersion,
		GenerateName:    pod.GenerateName,
		Phase:           string(pod.Status.Phase),
		Compliant:       compliance.PodCompliant(0),
		ImageIDs:        imageIDs,
	}
	if pod.Status.StartTime != nil {
		started := pod.Status.StartTime.UTC()
		row.StartedAt = &started
	}
	_, err = r.o.store.InsertPod(ctx, row)
	return err
}

func (r *clusterRun) deleteDeadPods(ctx context.Context, running map[string]bool) error {
	stored, err := r.o.store.ListPods(ctx, r.cluster.ID)
	if err != nil {
		return err
	}
	var dead []int64
	for _, p := range stored {
		if !running[p.Namespace+"/"+p.Name] {
			dead = append(dead, p.ID)
		}
	}
	if len(dead) == 0 {
		return nil
	}
	if err := r.o.store.DeletePods(ctx, dead); err != nil {
		return err
	}
	log.Printf("cluster=%d: removed %d pods no longer running", r.cluster.ID, len(dead))
	return nil
}

package git

import (
	"fmt"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
)

// PlanBranch derives the branch name for a plan id: "auth-refactor" →
// "plan/auth-refactor". When the branch already exists in the repository a
// numeric suffix is appended until a free name is found, so re-ingesting a
// plan with a recycled id never reuses stale history.
func PlanBranch(repoPath, planID string) (string, error) {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return "", fmt.Errorf("open repository: %w", err)
	}
	base := "plan/" + planID
	candidate := base
	for i := 2; ; i++ {
		ref := plumbing.NewBranchReferenceName(candidate)
		if _, err := repo.Reference(ref, false); err != nil {
			return candidate, nil
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

// IsRepo reports whether dir is inside a git repository.
func IsRepo(dir string) bool {
	_, err := gogit.PlainOpenWithOptions(dir, &gogit.PlainOpenOptions{DetectDotGit: true})
	return err == nil
}

// BranchExists reports whether a local branch exists.
func BranchExists(repoPath, branch string) bool {
	repo, err := gogit.PlainOpen(repoPath)
	if err != nil {
		return false
	}
	_, err = repo.Reference(plumbing.NewBranchReferenceName(branch), false)
	return err == nil
}

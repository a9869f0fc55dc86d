package memory_test

import (
	"testing"

	"github.com/lalith-99/insightops/internal/repository"
	"github.com/lalith-99/insightops/internal/repository/memory"
	"github.com/lalith-99/insightops/internal/repository/repotest"
)

func TestStore(t *testing.T) {
	repotest.Run(t, func(t *testing.T) *repository.Store {
		return memory.NewStore()
	})
}

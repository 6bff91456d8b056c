package store

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/suite"
	_ "modernc.org/sqlite"

	apiv1 "github.com/delvesec/delve/api/v1"
)

type storeTestSuite struct {
	suite.Suite
	db    *sqlx.DB
	store *Store
}

func (suite *storeTestSuite) SetupTest() {
	suite.db = sqlx.MustConnect("sqlite", ":memory:")
	suite.store = New(suite.db, slog.Default())

	suite.Require().NoError(suite.store.Migrate(context.Background()))
}

func (suite *storeTestSuite) TearDownTest() {
	suite.db.Close()
}

func TestStoreTestSuite(t *testing.T) {
	suite.Run(t, &storeTestSuite{})
}

func newSBOMRecord(id, owner string) *apiv1.SBOMRecord {
	return &apiv1.SBOMRecord{
		ID:        id,
		Owner:     owner,
		Name:      "test-sbom",
		SpecID:    "CycloneDX-1.5",
		CreatedAt: time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC),
		Location:  "sboms/" + id,
	}
}

func (suite *storeTestSuite) TestPutAndGetSBOM() {
	record := newSBOMRecord("rec-1", "user-a")
	record.VulnReport = &apiv1.VulnReportSummary{
		Location:        "vuln-reports/rec-1_vuln_report.json",
		Total:           3,
		SeverityCounts:  map[string]int{"critical": 1, "high": 2},
		HighestSeverity: "critical",
	}

	suite.Require().NoError(suite.store.PutSBOM(context.Background(), record))

	got, err := suite.store.GetSBOM(context.Background(), "rec-1", "user-a")
	suite.Require().NoError(err)
	suite.Equal(record, got)
}

func (suite *storeTestSuite) TestGetSBOMNotFound() {
	_, err := suite.store.GetSBOM(context.Background(), "missing", "user-a")
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *storeTestSuite) TestGetSBOMUnauthorized() {
	suite.Require().NoError(suite.store.PutSBOM(context.Background(), newSBOMRecord("rec-1", "user-b")))

	_, err := suite.store.GetSBOM(context.Background(), "rec-1", "user-a")
	suite.ErrorIs(err, ErrUnauthorized)
	suite.NotErrorIs(err, ErrNotFound)
}

func (suite *storeTestSuite) TestPutSBOMIsUpsert() {
	record := newSBOMRecord("rec-1", "user-a")
	suite.Require().NoError(suite.store.PutSBOM(context.Background(), record))

	record.Name = "rescanned"
	suite.Require().NoError(suite.store.PutSBOM(context.Background(), record))

	got, err := suite.store.GetSBOM(context.Background(), "rec-1", "user-a")
	suite.Require().NoError(err)
	suite.Equal("rescanned", got.Name)
}

func (suite *storeTestSuite) TestDeleteSBOM() {
	suite.Require().NoError(suite.store.PutSBOM(context.Background(), newSBOMRecord("rec-1", "user-a")))

	deleted, err := suite.store.DeleteSBOM(context.Background(), "rec-1", "user-a")
	suite.Require().NoError(err)
	suite.Equal("sboms/rec-1", deleted.Location)

	_, err = suite.store.GetSBOM(context.Background(), "rec-1", "user-a")
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *storeTestSuite) TestDeleteSBOMForeignOwner() {
	suite.Require().NoError(suite.store.PutSBOM(context.Background(), newSBOMRecord("rec-1", "user-x")))

	_, err := suite.store.DeleteSBOM(context.Background(), "rec-1", "user-y")
	suite.ErrorIs(err, ErrUnauthorized)

	// The record must remain intact for its owner.
	got, err := suite.store.GetSBOM(context.Background(), "rec-1", "user-x")
	suite.Require().NoError(err)
	suite.Equal("rec-1", got.ID)
}

func (suite *storeTestSuite) TestDeleteSBOMNotFound() {
	_, err := suite.store.DeleteSBOM(context.Background(), "missing", "user-a")
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *storeTestSuite) TestListSBOMsByOwner() {
	first := newSBOMRecord("rec-1", "user-a")
	first.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	second := newSBOMRecord("rec-2", "user-a")
	second.CreatedAt = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)
	foreign := newSBOMRecord("rec-3", "user-b")

	for _, record := range []*apiv1.SBOMRecord{first, second, foreign} {
		suite.Require().NoError(suite.store.PutSBOM(context.Background(), record))
	}

	records, err := suite.store.ListSBOMsByOwner(context.Background(), "user-a")
	suite.Require().NoError(err)
	suite.Require().Len(records, 2)
	// Newest first.
	suite.Equal("rec-2", records[0].ID)
	suite.Equal("rec-1", records[1].ID)
}

func (suite *storeTestSuite) TestListSBOMsByProject() {
	newest := newSBOMRecord("rec-newest", "user-a")
	newest.ProjectID = "proj-1"
	newest.CreatedAt = time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	oldest := newSBOMRecord("rec-oldest", "user-a")
	oldest.ProjectID = "proj-1"
	oldest.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	unlinked := newSBOMRecord("rec-unlinked", "user-a")

	for _, record := range []*apiv1.SBOMRecord{newest, oldest, unlinked} {
		suite.Require().NoError(suite.store.PutSBOM(context.Background(), record))
	}

	records, err := suite.store.ListSBOMsByProject(context.Background(), "proj-1")
	suite.Require().NoError(err)
	suite.Require().Len(records, 2)
	// Creation time ascending.
	suite.Equal("rec-oldest", records[0].ID)
	suite.Equal("rec-newest", records[1].ID)
}

func newProject(owner, id string) *apiv1.Project {
	now := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)

	return &apiv1.Project{
		Owner:       owner,
		ID:          id,
		Name:        "backend services",
		Description: "everything server-side",
		Tags:        []string{"go", "critical"},
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (suite *storeTestSuite) TestCreateAndGetProject() {
	project := newProject("user-a", "proj-1")
	suite.Require().NoError(suite.store.CreateProject(context.Background(), project))

	got, err := suite.store.GetProject(context.Background(), "user-a", "proj-1")
	suite.Require().NoError(err)
	suite.Equal(project, got)
}

func (suite *storeTestSuite) TestCreateProjectAlreadyExists() {
	original := newProject("user-a", "proj-1")
	suite.Require().NoError(suite.store.CreateProject(context.Background(), original))

	conflicting := newProject("user-a", "proj-1")
	conflicting.Name = "usurper"
	err := suite.store.CreateProject(context.Background(), conflicting)
	suite.ErrorIs(err, ErrAlreadyExists)

	// The stored attributes are still those of the first create.
	got, err := suite.store.GetProject(context.Background(), "user-a", "proj-1")
	suite.Require().NoError(err)
	suite.Equal("backend services", got.Name)
}

func (suite *storeTestSuite) TestCreateProjectSameIDDifferentOwners() {
	suite.Require().NoError(suite.store.CreateProject(context.Background(), newProject("user-a", "proj-1")))
	suite.Require().NoError(suite.store.CreateProject(context.Background(), newProject("user-b", "proj-1")))
}

func (suite *storeTestSuite) TestGetProjectNotFound() {
	_, err := suite.store.GetProject(context.Background(), "user-a", "missing")
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *storeTestSuite) TestGetProjectForeignOwner() {
	suite.Require().NoError(suite.store.CreateProject(context.Background(), newProject("user-a", "proj-1")))

	// Projects are keyed by (owner, id): another user's lookup simply misses.
	_, err := suite.store.GetProject(context.Background(), "user-b", "proj-1")
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *storeTestSuite) TestListProjects() {
	first := newProject("user-a", "proj-1")
	first.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	second := newProject("user-a", "proj-2")
	second.CreatedAt = time.Date(2025, 2, 1, 0, 0, 0, 0, time.UTC)

	suite.Require().NoError(suite.store.CreateProject(context.Background(), first))
	suite.Require().NoError(suite.store.CreateProject(context.Background(), second))
	suite.Require().NoError(suite.store.CreateProject(context.Background(), newProject("user-b", "proj-3")))

	projects, err := suite.store.ListProjects(context.Background(), "user-a")
	suite.Require().NoError(err)
	suite.Require().Len(projects, 2)
	suite.Equal("proj-1", projects[0].ID)
	suite.Equal("proj-2", projects[1].ID)
}

func (suite *storeTestSuite) TestUpdateProject() {
	suite.Require().NoError(suite.store.CreateProject(context.Background(), newProject("user-a", "proj-1")))

	name := "renamed"
	tags := []string{"go"}
	updateTime := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)
	updated, err := suite.store.UpdateProject(context.Background(), "user-a", "proj-1", apiv1.ProjectPatch{
		Name: &name,
		Tags: &tags,
	}, updateTime)
	suite.Require().NoError(err)

	suite.Equal("renamed", updated.Name)
	suite.Equal([]string{"go"}, updated.Tags)
	// Untouched fields survive the patch.
	suite.Equal("everything server-side", updated.Description)
	suite.Equal(updateTime, updated.UpdatedAt)
	suite.Equal(time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC), updated.CreatedAt)

	got, err := suite.store.GetProject(context.Background(), "user-a", "proj-1")
	suite.Require().NoError(err)
	suite.Equal(updated, got)
}

func (suite *storeTestSuite) TestUpdateProjectClearsDescription() {
	suite.Require().NoError(suite.store.CreateProject(context.Background(), newProject("user-a", "proj-1")))

	empty := ""
	updated, err := suite.store.UpdateProject(context.Background(), "user-a", "proj-1", apiv1.ProjectPatch{
		Description: &empty,
	}, time.Now())
	suite.Require().NoError(err)
	suite.Empty(updated.Description)
	suite.Equal("backend services", updated.Name)
}

func (suite *storeTestSuite) TestUpdateProjectNotFound() {
	name := "renamed"
	_, err := suite.store.UpdateProject(context.Background(), "user-a", "missing", apiv1.ProjectPatch{Name: &name}, time.Now())
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *storeTestSuite) TestDeleteProject() {
	suite.Require().NoError(suite.store.CreateProject(context.Background(), newProject("user-a", "proj-1")))

	suite.Require().NoError(suite.store.DeleteProject(context.Background(), "user-a", "proj-1"))

	_, err := suite.store.GetProject(context.Background(), "user-a", "proj-1")
	suite.ErrorIs(err, ErrNotFound)
}

func (suite *storeTestSuite) TestDeleteProjectNotFound() {
	suite.ErrorIs(suite.store.DeleteProject(context.Background(), "user-a", "missing"), ErrNotFound)
}

func (suite *storeTestSuite) TestDeleteProjectLeavesSBOMRecords() {
	suite.Require().NoError(suite.store.CreateProject(context.Background(), newProject("user-a", "proj-1")))
	record := newSBOMRecord("rec-1", "user-a")
	record.ProjectID = "proj-1"
	suite.Require().NoError(suite.store.PutSBOM(context.Background(), record))

	suite.Require().NoError(suite.store.DeleteProject(context.Background(), "user-a", "proj-1"))

	// No cascade: the record survives with a dangling project link.
	got, err := suite.store.GetSBOM(context.Background(), "rec-1", "user-a")
	suite.Require().NoError(err)
	suite.Equal("proj-1", got.ProjectID)
}

package metrics

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/cyclopcam/logs"
	"github.com/google/uuid"
	"github.com/swdee/go-heatcount/render"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/schema"
)

// Run is one training session, every record belongs to a run
type Run struct {
	// ID is a random uuid
	ID string `gorm:"primaryKey"`
	// Name is the checkpoint name of the model being trained
	Name string
	// CreatedAt is set by gorm on insert
	CreatedAt time.Time
}

// Scalar is a single value of the log stream
type Scalar struct {
	// ID is the row id
	ID int64 `gorm:"primaryKey"`
	// RunID references Run
	RunID string `gorm:"index:idx_scalar_run_tag"`
	// Tag names the series, eg "loss"
	Tag string `gorm:"index:idx_scalar_run_tag"`
	// Step is the global training step or epoch
	Step int
	// Value recorded
	Value float64
}

// Image references a PNG file written next to the database
type Image struct {
	// ID is the row id
	ID int64 `gorm:"primaryKey"`
	// RunID references Run
	RunID string `gorm:"index"`
	// Tag names the series, eg "Pred HM"
	Tag string
	// Step is the epoch the image was rendered at
	Step int
	// File is the path of the PNG relative to the database directory
	File string
	// Width of the image
	Width int
	// Height of the image
	Height int
}

// SQLiteWriter stores the log stream of a training run in an SQLite database,
// images are written as PNG files under an images directory beside it
type SQLiteWriter struct {
	// db is the gorm handle
	db *gorm.DB
	// dir holds the database and the images
	dir string
	// run is the current training session
	run Run
	// log for diagnostics
	log logs.Log
}

// fileSafe matches characters replaced in image file names
var fileSafe = regexp.MustCompile(`[^A-Za-z0-9_-]+`)

// OpenSQLite opens or creates {dir}/metrics.sqlite and starts a new run
func OpenSQLite(log logs.Log, dir, name string) (*SQLiteWriter, error) {

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("error creating metrics dir: %w", err)
	}

	db, err := gormOpen(filepath.Join(dir, "metrics.sqlite"))

	if err != nil {
		return nil, fmt.Errorf("error opening metrics database: %w", err)
	}

	if err := db.AutoMigrate(&Run{}, &Scalar{}, &Image{}); err != nil {
		closeDB(db)
		return nil, fmt.Errorf("error migrating metrics database: %w", err)
	}

	run := Run{ID: uuid.NewString(), Name: name}

	if err := db.Create(&run).Error; err != nil {
		closeDB(db)
		return nil, fmt.Errorf("error creating run: %w", err)
	}

	log.Infof("Recording metrics of run %v in %v", run.ID, dir)

	return &SQLiteWriter{
		db:  db,
		dir: dir,
		run: run,
		log: log,
	}, nil
}

func gormOpen(dsn string) (*gorm.DB, error) {

	config := &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
		Logger: logger.Default.LogMode(logger.Warn),
	}

	return gorm.Open(sqlite.Open(dsn), config)
}

// RunID returns the id of the run being recorded
func (w *SQLiteWriter) RunID() string {
	return w.run.ID
}

// AddScalar inserts a scalar row
func (w *SQLiteWriter) AddScalar(tag string, value float64, step int) error {

	err := w.db.Create(&Scalar{
		RunID: w.run.ID,
		Tag:   tag,
		Step:  step,
		Value: value,
	}).Error

	if err != nil {
		return fmt.Errorf("error adding scalar %s: %w", tag, err)
	}

	return nil
}

// AddImage writes the image as PNG and inserts a row referencing it
func (w *SQLiteWriter) AddImage(tag string, img image.Image, step int) error {

	rel := filepath.Join("images", w.run.ID,
		fmt.Sprintf("%s_%06d.png", fileSafe.ReplaceAllString(tag, "_"), step))
	file := filepath.Join(w.dir, rel)

	if err := os.MkdirAll(filepath.Dir(file), 0755); err != nil {
		return fmt.Errorf("error creating image dir: %w", err)
	}

	if err := render.SavePNG(file, img); err != nil {
		return err
	}

	size := img.Bounds().Size()

	err := w.db.Create(&Image{
		RunID:  w.run.ID,
		Tag:    tag,
		Step:   step,
		File:   rel,
		Width:  size.X,
		Height: size.Y,
	}).Error

	if err != nil {
		return fmt.Errorf("error adding image %s: %w", tag, err)
	}

	return nil
}

// Scalars returns the scalars of the tag recorded by this run ordered by step
func (w *SQLiteWriter) Scalars(tag string) ([]Scalar, error) {

	var out []Scalar

	err := w.db.Where("run_id = ? AND tag = ?", w.run.ID, tag).
		Order("step, id").Find(&out).Error

	if err != nil {
		return nil, fmt.Errorf("error querying scalars %s: %w", tag, err)
	}

	return out, nil
}

// Images returns the image records of the tag recorded by this run
func (w *SQLiteWriter) Images(tag string) ([]Image, error) {

	var out []Image

	err := w.db.Where("run_id = ? AND tag = ?", w.run.ID, tag).
		Order("step, id").Find(&out).Error

	if err != nil {
		return nil, fmt.Errorf("error querying images %s: %w", tag, err)
	}

	return out, nil
}

// Close releases the database connection
func (w *SQLiteWriter) Close() error {
	return closeDB(w.db)
}

// closeDB closes the connection pool underneath a gorm handle
func closeDB(db *gorm.DB) error {

	sqlDB, err := db.DB()

	if err != nil {
		return err
	}

	return sqlDB.Close()
}

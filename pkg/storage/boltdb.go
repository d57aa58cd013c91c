package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/spindle/pkg/types"
)

var (
	// Bucket names
	bucketApps    = []byte("apps")
	bucketWorkers = []byte("workers")
	bucketDrivers = []byte("drivers")
)

// BoltEngine implements PersistenceEngine using BoltDB
type BoltEngine struct {
	db *bolt.DB
}

// NewBoltEngine opens (or creates) the master database in dataDir
func NewBoltEngine(dataDir string) (*BoltEngine, error) {
	dbPath := filepath.Join(dataDir, "spindle-master.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketApps, bucketWorkers, bucketDrivers} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltEngine{db: db}, nil
}

// Close closes the database
func (e *BoltEngine) Close() error {
	return e.db.Close()
}

func (e *BoltEngine) put(bucket []byte, id string, v any) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("failed to marshal %s/%s: %w", bucket, id, err)
		}
		return tx.Bucket(bucket).Put([]byte(id), data)
	})
}

func (e *BoltEngine) delete(bucket []byte, id string) error {
	return e.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucket).Delete([]byte(id))
	})
}

// Application operations
func (e *BoltEngine) AddApplication(app *types.ApplicationInfo) error {
	return e.put(bucketApps, app.ID, app)
}

func (e *BoltEngine) RemoveApplication(app *types.ApplicationInfo) error {
	return e.delete(bucketApps, app.ID)
}

// Worker operations
func (e *BoltEngine) AddWorker(worker *types.WorkerInfo) error {
	return e.put(bucketWorkers, worker.ID, worker)
}

func (e *BoltEngine) RemoveWorker(worker *types.WorkerInfo) error {
	return e.delete(bucketWorkers, worker.ID)
}

// Driver operations
func (e *BoltEngine) AddDriver(driver *types.DriverInfo) error {
	return e.put(bucketDrivers, driver.ID, driver)
}

func (e *BoltEngine) RemoveDriver(driver *types.DriverInfo) error {
	return e.delete(bucketDrivers, driver.ID)
}

// ReadPersistedData loads every record. Applications are returned in
// submission order, which is the order the master schedules them in.
func (e *BoltEngine) ReadPersistedData() (*PersistedData, error) {
	data := &PersistedData{}
	err := e.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketApps).ForEach(func(k, v []byte) error {
			var app types.ApplicationInfo
			if err := json.Unmarshal(v, &app); err != nil {
				return fmt.Errorf("failed to decode app %s: %w", k, err)
			}
			app.Init()
			data.Apps = append(data.Apps, &app)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var worker types.WorkerInfo
			if err := json.Unmarshal(v, &worker); err != nil {
				return fmt.Errorf("failed to decode worker %s: %w", k, err)
			}
			worker.Init()
			data.Workers = append(data.Workers, &worker)
			return nil
		}); err != nil {
			return err
		}

		return tx.Bucket(bucketDrivers).ForEach(func(k, v []byte) error {
			var driver types.DriverInfo
			if err := json.Unmarshal(v, &driver); err != nil {
				return fmt.Errorf("failed to decode driver %s: %w", k, err)
			}
			driver.Init()
			data.Drivers = append(data.Drivers, &driver)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read persisted data: %w", err)
	}

	sort.SliceStable(data.Apps, func(i, j int) bool {
		return data.Apps[i].SubmitDate.Before(data.Apps[j].SubmitDate)
	})
	sort.SliceStable(data.Drivers, func(i, j int) bool {
		return data.Drivers[i].SubmitDate.Before(data.Drivers[j].SubmitDate)
	})
	return data, nil
}
